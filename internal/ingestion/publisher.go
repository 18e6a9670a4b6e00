package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"PerpIndexer/internal/core"
)

const (
	OutboundStream         = "PERP_INDEXER_EVENTS"
	SubjectMarketAllowed   = "perp.indexer.markets.allowed"
	subjectAppliedPrefix   = "perp.indexer.events"
	outboundSubjectPattern = "perp.indexer.>"
)

// JetStreamPublisher is the subset of jetstream.JetStream used for outbound
// notices.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// AppliedNotice summarises one applied event for downstream consumers.
type AppliedNotice struct {
	LogID       string `json:"logId"`
	Kind        string `json:"kind"`
	OrderKey    uint64 `json:"orderKey"`
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp"`
	Market      string `json:"market,omitempty"`
	StateHash   string `json:"stateHash"`
}

// OutboundPublisher publishes applied-event notices and market discovery
// notices to JetStream. It runs as a projection sink, so it only ever sees
// committed events. Messages carry the log id as Nats-Msg-Id, which lets
// the stream drop republished duplicates.
//
// Subjects: perp.indexer.events.{kind}[.{market}] and
// perp.indexer.markets.allowed.
type OutboundPublisher struct {
	js JetStreamPublisher
}

func NewOutboundPublisher(js JetStreamPublisher) *OutboundPublisher {
	return &OutboundPublisher{js: js}
}

func (op *OutboundPublisher) Name() string { return "nats" }

func (op *OutboundPublisher) Project(ctx context.Context, res core.Result) error {
	if res.Duplicate || res.Event == nil {
		return nil
	}
	meta := res.Event.Meta()
	notice := AppliedNotice{
		LogID:       res.LogID,
		Kind:        res.Kind.String(),
		OrderKey:    res.OrderKey,
		BlockNumber: meta.BlockNumber,
		Timestamp:   meta.TimestampMs(),
		Market:      res.Event.MarketAddress(),
		StateHash:   res.StateHash,
	}
	subject := fmt.Sprintf("%s.%s", subjectAppliedPrefix, notice.Kind)
	if notice.Market != "" {
		subject = fmt.Sprintf("%s.%s", subject, notice.Market)
	}
	if err := op.publish(ctx, subject, res.LogID, notice); err != nil {
		return err
	}

	if res.MarketAllowed != nil {
		return op.publish(ctx, SubjectMarketAllowed, res.LogID+"-allowed", res.MarketAllowed)
	}
	return nil
}

func (op *OutboundPublisher) publish(ctx context.Context, subject, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if _, err := op.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// EnsureOutboundStream creates the outbound stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{outboundSubjectPattern},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
