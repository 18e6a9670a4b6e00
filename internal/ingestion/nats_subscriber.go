package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// RawEvent is one undecoded wire event, as delivered by a source. The
// processor decodes it, applies it and then acknowledges it.
type RawEvent struct {
	Source   string
	Subject  string
	Data     []byte
	Received time.Time
	AckFunc  func() // processing finished, do not redeliver
	NakFunc  func() // not processed, redeliver
}

func (r RawEvent) ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawEvent) nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

// SubscriberConfig names the JetStream stream carrying decoded chain events
// and the durable consumer the indexer reads it with.
type SubscriberConfig struct {
	Stream  string
	Subject string
	Durable string
	MaxAge  time.Duration
}

func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		Stream:  "PERP_CHAIN_EVENTS",
		Subject: "perp.chain.events.>",
		Durable: "perp-indexer",
		MaxAge:  72 * time.Hour,
	}
}

// NATSSubscriber consumes decoded chain events from JetStream. Events carry
// a total order, so the consumer keeps exactly one message in flight: the
// next one is not delivered until the previous one is acknowledged.
type NATSSubscriber struct {
	js       jetstream.JetStream
	cfg      SubscriberConfig
	out      chan<- RawEvent
	consumer jetstream.ConsumeContext
	logger   zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, cfg SubscriberConfig, out chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:     js,
		cfg:    cfg,
		out:    out,
		logger: logger.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates (or updates) the durable consumer and starts delivery.
// Consumers use explicit ACK, ack_wait=30s and unlimited redelivery; a
// message is only acked once the engine has committed it.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, ns.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       ns.cfg.Durable,
		FilterSubject: ns.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    -1,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ns.cfg.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Source:   "nats",
			Subject:  msg.Subject(),
			Data:     msg.Data(),
			Received: time.Now(),
			AckFunc: func() {
				if err := msg.Ack(); err != nil {
					ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack failed")
				}
			},
			NakFunc: func() { _ = msg.Nak() },
		}

		select {
		case ns.out <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ns.cfg.Durable, err)
	}

	ns.consumer = cc
	ns.logger.Info().Str("subject", ns.cfg.Subject).Str("consumer", ns.cfg.Durable).Msg("subscribed")
	return nil
}

// EnsureStream creates the inbound stream if it does not exist. FileStorage,
// retention=Limits.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg SubscriberConfig) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	return nil
}

func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perp-indexer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
