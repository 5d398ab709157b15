package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/gopacket"
	"github.com/rs/zerolog/log"

	"Go2NetDPI/internal/classifier"
	"Go2NetDPI/internal/config"
	"Go2NetDPI/internal/logging"
	"Go2NetDPI/internal/model"
	"Go2NetDPI/internal/pipeline"
	"Go2NetDPI/internal/writer"
	"Go2NetDPI/pkg/pcap"
)

// summary collects the final snapshot of every context.
type summary struct {
	mu       sync.Mutex
	verdicts []model.Verdict
}

func (s *summary) Write(snapshot model.SnapshotData, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts = append(s.verdicts, snapshot.Verdicts...)
	return nil
}

// GetInterval is long enough that only the final snapshot is taken.
func (s *summary) GetInterval() time.Duration { return 24 * time.Hour }

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-config file] <path_to_pcap_file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(logging.Options{App: "dpi-classifier", Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	pcapFilePath := cfg.Capture.PcapFile
	if flag.NArg() > 0 {
		pcapFilePath = flag.Arg(0)
	}
	if pcapFilePath == "" {
		flag.Usage()
		os.Exit(1)
	}

	writers, err := writer.FromConfig(cfg.Writers, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create writers")
	}
	collected := &summary{}
	writers = append(writers, collected)

	p, err := pipeline.New(cfg, pipeline.WithWriters(writers...), pipeline.WithLogger(logger))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create pipeline")
	}

	reader, err := pcap.NewReader(pcapFilePath)
	if err != nil {
		log.Fatal().Err(err).Str("file", pcapFilePath).Msg("Failed to open pcap file")
	}
	defer reader.Close()

	p.Start()
	logger.Info().Str("file", pcapFilePath).Int("contexts", p.NumContexts()).Msg("Reading packets")

	rejected := make(map[int]int)
	total, err := reader.ReadPackets(func(ci gopacket.CaptureInfo, data []byte) error {
		if err := p.Input(ci, data); err != nil {
			rejected[classifier.Code(err)]++
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Stopped reading pcap file")
	}

	p.Stop()
	for _, w := range writers {
		if c, ok := w.(io.Closer); ok {
			c.Close()
		}
	}

	printSummary(os.Stdout, total, rejected, collected.verdicts)
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Defaults()
		return &cfg, nil
	}
	return config.LoadConfig(path)
}

func printSummary(out io.Writer, total int, rejected map[int]int, verdicts []model.Verdict) {
	fmt.Fprintf(out, "Packets read: %d\n", total)
	if len(rejected) > 0 {
		codes := make([]int, 0, len(rejected))
		for code := range rejected {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(out, "  rejected with code %d: %d\n", code, rejected[code])
		}
	}

	completed := 0
	for _, v := range verdicts {
		if v.Completed {
			completed++
		}
	}
	fmt.Fprintf(out, "Flows: %d (%d completed)\n\n", len(verdicts), completed)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROTOCOL\tFLOWS\tPACKETS\tBYTES")
	for _, c := range model.CountProtocols(verdicts) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", c.Protocol, c.Flows, c.PacketCount, c.ByteCount)
	}
	tw.Flush()
}
