package actionqueue

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/AyobamiH/Lagos/internal/metrics"
)

const (
	recordVersion  = 1
	persistTimeout = 3 * time.Second
)

type record struct {
	V     int               `json:"v"`
	Items []json.RawMessage `json:"items"`
}

// persistLocked mirrors the live items to the store. Failures are logged;
// the in-memory queue stays authoritative.
func (q *Queue) persistLocked(ctx context.Context) {
	metrics.QueueSize.Set(float64(len(q.items)))

	items := make([]json.RawMessage, 0, len(q.items))
	for _, it := range q.items {
		b, err := json.Marshal(it)
		if err != nil {
			q.log.Error("encode queued action", zap.String("id", it.ID), zap.Error(err))
			continue
		}
		items = append(items, b)
	}
	b, err := json.Marshal(record{V: recordVersion, Items: items})
	if err != nil {
		q.log.Error("encode queue", zap.Error(err))
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := q.store.Save(sctx, q.key, b); err != nil {
		q.log.Warn("persist queue failed", zap.String("key", q.key), zap.Error(err))
	}
}

// load reads the persisted record once. A missing, unreadable or
// wrong-version record yields an empty queue.
func (q *Queue) load(ctx context.Context) []Action {
	lctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	b, err := q.store.Load(lctx, q.key)
	if err != nil {
		q.log.Warn("load queue failed", zap.String("key", q.key), zap.Error(err))
		return nil
	}
	if len(b) == 0 {
		return nil
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		q.log.Warn("discarding unreadable queue", zap.Error(err))
		return nil
	}
	if rec.V != recordVersion {
		q.log.Warn("discarding queue with unknown version", zap.Int("v", rec.V))
		return nil
	}
	out := make([]Action, 0, len(rec.Items))
	for _, raw := range rec.Items {
		var a Action
		if err := json.Unmarshal(raw, &a); err != nil {
			q.log.Warn("skipping unreadable queued action", zap.Error(err))
			continue
		}
		out = append(out, a)
	}
	return out
}
