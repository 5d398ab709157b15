package main

import (
	"flag"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog/log"

	"Go2NetDPI/internal/logging"
)

// flowTemplate describes the first payload of a generated flow.
type flowTemplate struct {
	transport layers.IPProtocol
	dstPort   uint16
	payload   []byte
}

var templates = []flowTemplate{
	{layers.IPProtocolTCP, 80, []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n")},
	{layers.IPProtocolTCP, 22, []byte("SSH-2.0-OpenSSH_9.6\r\n")},
	{layers.IPProtocolTCP, 443, []byte{0x16, 0x03, 0x01, 0x00, 0x2f, 0x01, 0x00, 0x00, 0x2b, 0x03, 0x03}},
	{layers.IPProtocolTCP, 1883, []byte{0x10, 0x0c, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x02, 0x00, 0x3c}},
	{layers.IPProtocolUDP, 9999, []byte("opaque datagram")},
}

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	flowCount := flag.Int("c", 1000, "Number of flows to generate")
	packetsPerFlow := flag.Int("p", 4, "Packets per TCP flow")
	flag.Parse()

	logging.Setup(logging.Options{App: "pcapgen", Level: "info"})

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create output file")
	}
	defer f.Close()

	pcapWriter := pcapgo.NewWriter(f)
	if err := pcapWriter.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatal().Err(err).Msg("Failed to write pcap header")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now()
	written := 0

	log.Info().Int("flows", *flowCount).Str("file", *outputFile).Msg("Generating flows")
	for i := 0; i < *flowCount; i++ {
		tmpl := templates[rng.Intn(len(templates))]
		client := net.IP{10, byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(254) + 1)}
		server := net.IP{192, 168, byte(rng.Intn(256)), byte(rng.Intn(254) + 1)}
		clientPort := uint16(rng.Intn(65535-1024) + 1024)

		packets := 1
		if tmpl.transport == layers.IPProtocolTCP {
			packets = *packetsPerFlow
		}
		for j := 0; j < packets; j++ {
			payload := tmpl.payload
			src, dst, sport, dport := client, server, clientPort, tmpl.dstPort
			if j > 0 {
				payload = make([]byte, rng.Intn(1400)+50)
				rng.Read(payload)
				if j%2 == 1 {
					src, dst, sport, dport = server, client, tmpl.dstPort, clientPort
				}
			}
			data, err := serialize(tmpl.transport, src, dst, sport, dport, payload)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to serialize layers")
			}
			now = now.Add(time.Millisecond)
			ci := gopacket.CaptureInfo{Timestamp: now, CaptureLength: len(data), Length: len(data)}
			if err := pcapWriter.WritePacket(ci, data); err != nil {
				log.Fatal().Err(err).Msg("Failed to write packet")
			}
			written++
		}
	}

	log.Info().Int("packets", written).Str("file", *outputFile).Msg("Successfully generated capture")
}

func serialize(transport layers.IPProtocol, src, dst net.IP, sport, dport uint16, payload []byte) ([]byte, error) {
	ethLayer := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := &layers.IPv4{
		SrcIP:    src,
		DstIP:    dst,
		Version:  4,
		TTL:      64,
		Protocol: transport,
	}

	var l4 gopacket.SerializableLayer
	if transport == layers.IPProtocolTCP {
		tcpLayer := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), PSH: true, ACK: true, Window: 14600}
		if err := tcpLayer.SetNetworkLayerForChecksum(ipLayer); err != nil {
			return nil, err
		}
		l4 = tcpLayer
	} else {
		udpLayer := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
		if err := udpLayer.SetNetworkLayerForChecksum(ipLayer); err != nil {
			return nil, err
		}
		l4 = udpLayer
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ethLayer, ipLayer, l4, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
