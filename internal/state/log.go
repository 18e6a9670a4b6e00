package state

import (
	"encoding/json"
	"fmt"
)

// EventLog is the immutable audit record of one applied chain event.
// Its existence marks the event as applied.
type EventLog struct {
	ID              string          `json:"id"` // txHash-logIndex
	Kind            string          `json:"kind"`
	OrderKey        uint64          `json:"orderKey"`
	TxHash          string          `json:"txHash"`
	BlockNumber     uint64          `json:"blockNumber"`
	LogIndex        uint32          `json:"logIndex"`
	ContractAddress string          `json:"contractAddress"`
	Timestamp       int64           `json:"timestamp"` // ms
	StateHash       string          `json:"stateHash"`
	Payload         json.RawMessage `json:"payload"`
}

func (l *EventLog) EntityKind() Kind { return KindEventLog }
func (l *EventLog) EntityID() string { return l.ID }

// CheckpointID is the key of the engine checkpoint row.
const CheckpointID = "engine"

// Checkpoint is the engine's position in the chain and its state hash chain head.
type Checkpoint struct {
	ID            string `json:"id"`
	LastOrderKey  uint64 `json:"lastOrderKey"`
	LastLogID     string `json:"lastLogId"`
	StateHash     string `json:"stateHash"` // hex
	EventsApplied uint64 `json:"eventsApplied"`
	UpdatedAt     int64  `json:"updatedAt"` // block time, ms
}

func NewCheckpoint() *Checkpoint {
	return &Checkpoint{ID: CheckpointID}
}

func (c *Checkpoint) EntityKind() Kind { return KindCheckpoint }
func (c *Checkpoint) EntityID() string { return c.ID }

// AppliedPageSize is the number of log ids held by one AppliedPage.
const AppliedPageSize = 64

// AppliedPage holds the log ids of applied events AppliedPageSize at a time,
// in apply order. Event n (0-based) lives on page n / AppliedPageSize, so the
// most recent ids are read back without scanning the event log.
type AppliedPage struct {
	ID     string   `json:"id"`
	Page   uint64   `json:"page"`
	LogIDs []string `json:"logIds"`
}

// AppliedPageID zero-pads the page number so ids sort numerically.
func AppliedPageID(page uint64) string {
	return fmt.Sprintf("%016d", page)
}

func NewAppliedPage(page uint64) *AppliedPage {
	return &AppliedPage{ID: AppliedPageID(page), Page: page}
}

func (p *AppliedPage) EntityKind() Kind { return KindAppliedPage }
func (p *AppliedPage) EntityID() string { return p.ID }
