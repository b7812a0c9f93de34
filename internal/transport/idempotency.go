package transport

import (
	"sync"

	"github.com/google/uuid"
)

// IdempotencyKeys hands out one stable key per logical operation so a
// retried payment call is recognised by the server as the same intent.
type IdempotencyKeys struct {
	mu   sync.Mutex
	keys map[string]string
}

func NewIdempotencyKeys() *IdempotencyKeys {
	return &IdempotencyKeys{keys: make(map[string]string)}
}

// Key returns the key for seed, minting one on first use.
func (k *IdempotencyKeys) Key(seed string) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if v, ok := k.keys[seed]; ok {
		return v
	}
	v := uuid.NewString()
	k.keys[seed] = v
	return v
}

// Release forgets seed once its operation has definitively completed.
func (k *IdempotencyKeys) Release(seed string) {
	k.mu.Lock()
	delete(k.keys, seed)
	k.mu.Unlock()
}

func (k *IdempotencyKeys) Reset() {
	k.mu.Lock()
	k.keys = make(map[string]string)
	k.mu.Unlock()
}
