// Package deadletter exports abandoned queue actions to a message broker so
// operators can inspect them outside the device.
package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AyobamiH/Lagos/internal/actionqueue"
)

// Record is the broker message for one dead-lettered action.
type Record struct {
	ActionID  string             `json:"actionId"`
	Kind      actionqueue.Kind   `json:"kind"`
	Reason    string             `json:"reason"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"lastError,omitempty"`
	DroppedAt int64              `json:"droppedAt"` // unix millis
	Subject   string             `json:"subject,omitempty"`
	Action    actionqueue.Action `json:"action"`
}

func NewRecord(a actionqueue.Action, subject string, at time.Time) Record {
	return Record{
		ActionID:  a.ID,
		Kind:      a.Kind,
		Reason:    a.ReasonDropped,
		Attempts:  a.Attempts,
		LastError: a.LastError,
		DroppedAt: at.UnixMilli(),
		Subject:   subject,
		Action:    a,
	}
}

func (r Record) Encode() ([]byte, error) { return json.Marshal(r) }

// Producer delivers one record. Implementations must be safe for use from a
// single goroutine; the Exporter never calls Publish concurrently.
type Producer interface {
	Publish(ctx context.Context, r Record) error
	Close() error
}
