// Package probe carries flow verdicts over NATS.
package probe

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"Go2NetDPI/internal/codec"
	"Go2NetDPI/internal/config"
	"Go2NetDPI/internal/model"
)

// Publisher publishes final verdicts to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.PublisherConfig, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("dpi-probe"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info().Str("url", cfg.NATSURL).Str("subject", cfg.Subject).Msg("Connected to NATS server")
	return &Publisher{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// EncodeVerdict serializes a verdict as a binary protobuf Struct.
func EncodeVerdict(v model.Verdict) ([]byte, error) {
	s, err := codec.VerdictToStruct(v)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// DecodeVerdict parses a message produced by EncodeVerdict.
func DecodeVerdict(data []byte) (model.Verdict, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return model.Verdict{}, fmt.Errorf("failed to unmarshal verdict: %w", err)
	}
	return codec.VerdictFromStruct(&s)
}

// Publish serializes v and publishes it to the configured subject.
func (p *Publisher) Publish(v model.Verdict) error {
	data, err := EncodeVerdict(v)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn().Err(err).Msg("failed to drain NATS connection")
		}
		p.logger.Info().Msg("NATS connection drained and closed.")
	}
}
