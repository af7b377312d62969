// Package idempotency replays the first response of a retried order write.
// Clients opt in by sending an Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// DefaultTTL bounds how long a submission can be replayed.
const DefaultTTL = 24 * time.Hour

// ClaimState is the outcome of claiming a submission key.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the key and must Complete or Release it.
	ClaimAcquired ClaimState = iota
	// ClaimReplay means a response was stored earlier and is returned in the claim.
	ClaimReplay
	// ClaimInFlight means another request holds the key right now.
	ClaimInFlight
)

// ErrKeyReused is returned when a key is presented with a different request.
var ErrKeyReused = errors.New("idempotency: key reused for a different request")

// StoredResponse is the part of a response that is replayed.
type StoredResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// Claim reports the state of a key and, for replays, the stored response.
type Claim struct {
	State    ClaimState
	Response StoredResponse
}

// Store persists claimed keys. Keys are already scoped to the caller.
type Store interface {
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	Complete(ctx context.Context, key string, resp StoredResponse, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

func digest(parts ...[]byte) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
