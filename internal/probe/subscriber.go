package probe

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"Go2NetDPI/internal/config"
	"Go2NetDPI/internal/model"
)

// VerdictHandler processes a received verdict.
type VerdictHandler func(v model.Verdict)

// Subscriber receives verdicts from a NATS subject.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	logger  zerolog.Logger
}

// NewSubscriber creates a new NATS subscriber.
func NewSubscriber(cfg config.PublisherConfig, logger zerolog.Logger) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info().Str("url", cfg.NATSURL).Msg("Connected to NATS server")
	return &Subscriber{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Start subscribes to the subject and hands every decoded verdict to handler.
// Messages that fail to decode are logged and dropped.
func (s *Subscriber) Start(handler VerdictHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		v, err := DecodeVerdict(msg.Data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping undecodable verdict")
			return
		}
		handler(v)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info().Str("subject", s.subject).Msg("Subscribed. Waiting for verdicts...")
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info().Msg("NATS connection closed.")
	}
}
