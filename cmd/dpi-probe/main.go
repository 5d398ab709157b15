package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"Go2NetDPI/internal/api"
	"Go2NetDPI/internal/config"
	"Go2NetDPI/internal/logging"
	"Go2NetDPI/internal/model"
	"Go2NetDPI/internal/pipeline"
	"Go2NetDPI/internal/probe"
	"Go2NetDPI/internal/writer"
)

func main() {
	mode := flag.String("mode", "pub", "Operating mode: 'pub' to classify and publish verdicts, 'sub' to subscribe and print.")
	iface := flag.String("iface", "", "Interface to capture packets from (overrides capture.interface).")
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(logging.Options{App: "dpi-probe", Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	if *iface != "" {
		cfg.Capture.Interface = *iface
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "pub":
		err = runProbe(ctx, cfg, logger)
	case "sub":
		err = runSubscriber(ctx, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal().Err(err).Str("mode", *mode).Msg("dpi-probe failed")
	}
}

// openCapture opens the configured interface, or the configured pcap file
// when no interface is set.
func openCapture(cfg config.CaptureConfig) (*pcap.Handle, error) {
	var (
		handle *pcap.Handle
		err    error
	)
	switch {
	case cfg.Interface != "":
		handle, err = pcap.OpenLive(cfg.Interface, cfg.SnapshotLen, cfg.Promiscuous, pcap.BlockForever)
	case cfg.PcapFile != "":
		handle, err = pcap.OpenOffline(cfg.PcapFile)
	default:
		return nil, errors.New("no capture interface or pcap file configured")
	}
	if err != nil {
		return nil, err
	}
	if handle.LinkType() != layers.LinkTypeEthernet {
		handle.Close()
		return nil, fmt.Errorf("unsupported link type %s", handle.LinkType())
	}
	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("invalid BPF filter %q: %w", cfg.BPFFilter, err)
		}
	}
	return handle, nil
}

// runProbe captures packets, classifies them and publishes final verdicts to NATS.
func runProbe(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	handle, err := openCapture(cfg.Capture)
	if err != nil {
		return err
	}
	defer handle.Close()

	var opts []pipeline.Option
	opts = append(opts, pipeline.WithLogger(logger))
	if cfg.Publisher.Enabled {
		pub, err := probe.NewPublisher(cfg.Publisher, logging.Component("publisher"))
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, pipeline.WithSink(pub))
	}

	writers, err := writer.FromConfig(cfg.Writers, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, w := range writers {
			if c, ok := w.(io.Closer); ok {
				c.Close()
			}
		}
	}()
	opts = append(opts, pipeline.WithWriters(writers...))

	p, err := pipeline.New(cfg, opts...)
	if err != nil {
		return err
	}
	p.Start()
	defer p.Stop()

	health := api.NewHealthServer(logging.Component("health"))
	go func() {
		if err := health.Serve(ctx, cfg.API.GRPCListenAddr); err != nil {
			logger.Error().Err(err).Msg("gRPC health server stopped")
		}
	}()
	server := api.NewServer(p, logging.Component("api"))
	go func() {
		if err := server.Serve(ctx, cfg.API.ListenAddr); err != nil {
			logger.Error().Err(err).Msg("API server stopped")
		}
	}()
	health.SetServing(true)
	defer health.SetServing(false)

	logger.Info().Str("interface", cfg.Capture.Interface).Str("filter", cfg.Capture.BPFFilter).Msg("Capture started")

	done := make(chan struct{})
	go func() {
		defer close(done)
		var captured, rejected uint64
		for {
			data, ci, err := handle.ReadPacketData()
			if errors.Is(err, io.EOF) {
				logger.Info().Msg("End of capture file")
				return
			}
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					logger.Error().Err(err).Msg("Capture failed")
				}
				return
			}
			captured++
			if err := p.Input(ci, data); err != nil {
				if errors.Is(err, pipeline.ErrStopped) {
					return
				}
				rejected++
			}
			if captured%100000 == 0 {
				logger.Info().Uint64("captured", captured).Uint64("rejected", rejected).Msg("Capture progress")
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received, cleaning up...")
		handle.Close()
		<-done
	case <-done:
		<-ctx.Done()
	}
	return nil
}

// runSubscriber prints every verdict received from NATS.
func runSubscriber(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	sub, err := probe.NewSubscriber(cfg.Publisher, logging.Component("subscriber"))
	if err != nil {
		return err
	}
	defer sub.Close()

	handler := func(v model.Verdict) {
		logger.Info().
			Int("context", v.Context).
			Str("lower", fmt.Sprintf("%s:%d", v.FiveTuple.LowerIP, v.FiveTuple.LowerPort)).
			Str("upper", fmt.Sprintf("%s:%d", v.FiveTuple.UpperIP, v.FiveTuple.UpperPort)).
			Uint8("transport", v.FiveTuple.Protocol).
			Str("protocol", v.ProtocolName()).
			Uint64("packets", v.PacketCount).
			Uint64("bytes", v.ByteCount).
			Msg("Received verdict")
	}
	if err := sub.Start(handler); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, cleaning up...")
	return nil
}
