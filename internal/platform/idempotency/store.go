// Package idempotency replays the first response recorded for an Idempotency-Key so a client
// retrying an order placement never creates a second order.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL bounds how long a key is remembered.
const DefaultTTL = 24 * time.Hour

// State is the outcome of claiming a key.
type State int

const (
	// StateNew means the caller owns the key and must run the request.
	StateNew State = iota
	// StateInFlight means another request holds the key.
	StateInFlight
	// StateDone means the entry carries a response to replay.
	StateDone
)

// Entry is what a store keeps per key.
type Entry struct {
	Fingerprint string              `json:"fingerprint" firestore:"fingerprint"`
	Done        bool                `json:"done" firestore:"done"`
	Status      int                 `json:"status,omitempty" firestore:"status"`
	Header      map[string][]string `json:"header,omitempty" firestore:"header"`
	Body        []byte              `json:"body,omitempty" firestore:"body"`
	ExpiresAt   time.Time           `json:"expiresAt" firestore:"expiresAt"`
}

// Store remembers claimed keys and the responses recorded for them.
type Store interface {
	// Claim reserves key for fingerprint unless a live entry exists, which is returned instead.
	Claim(ctx context.Context, key, fingerprint string, expiresAt time.Time) (Entry, State, error)
	// Finish records the response for a claimed key.
	Finish(ctx context.Context, key string, entry Entry) error
	// Abandon drops a claim so the client may retry.
	Abandon(ctx context.Context, key, fingerprint string) error
}

// Purger is implemented by stores whose backend does not expire entries on its own.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrKeyReused reports a key presented again with a different request.
var ErrKeyReused = errors.New("idempotency: key already used for a different request")

func state(entry Entry) State {
	if entry.Done {
		return StateDone
	}
	return StateInFlight
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// replayable keeps the headers worth sending back on a replay.
func replayable(header http.Header) map[string][]string {
	out := make(map[string][]string)
	for _, name := range []string{"Content-Type", "Location"} {
		if values := header.Values(name); len(values) > 0 {
			out[name] = append([]string(nil), values...)
		}
	}
	return out
}

// RunPurge deletes expired entries every interval until ctx is done.
func RunPurge(ctx context.Context, purger Purger, interval time.Duration, batch int, logger *zap.Logger) {
	if purger == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := purger.PurgeExpired(ctx, now.UTC(), batch)
			if err != nil {
				logger.Warn("idempotency purge failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency keys purged", zap.Int("removed", removed))
			}
		}
	}
}
