// Package impistore persists authentication challenge state per private
// identity. Records are keyed by IMPI and nonce, carry the challenge
// material plus a branch correlation token, and age out on a short TTL
// so abandoned challenges clean themselves up.
package impistore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/treetop-comms/canopy/pkg/logging"
	"github.com/treetop-comms/canopy/pkg/store"
)

const avTable = "av"

// DefaultExpiry is how long a challenge stays usable.
const DefaultExpiry = 40 * time.Second

// Challenge types.
const (
	TypeDigest = "digest"
	TypeAKA    = "aka"
)

// Challenge status values.
const (
	StatusPending       = "pending"
	StatusAuthenticated = "authenticated"
	StatusExpired       = "expired"
)

// Challenge is one outstanding authentication challenge.
type Challenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
	Realm string `json:"realm,omitempty"`
	// HA1 is the digest secret for digest challenges.
	HA1 string `json:"ha1,omitempty"`
	// Response is the expected AKA response for AKA challenges.
	Response string `json:"response,omitempty"`
	// NonceCount is the highest accepted nonce count.
	NonceCount int `json:"nonce_count"`
	// Status tracks whether the challenge was answered.
	Status string `json:"status"`
	// Branch is the Via branch of the challenged request, kept for log
	// correlation.
	Branch string `json:"branch,omitempty"`
	// IMPU the challenge was raised for.
	IMPU string `json:"impu,omitempty"`
}

// Store reads and writes challenges through the CAS store.
type Store struct {
	backing store.Store
	expiry  time.Duration
	logger  *logging.Logger
}

// New creates an IMPI store.
func New(backing store.Store, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{
		backing: backing,
		expiry:  DefaultExpiry,
		logger:  logger,
	}
}

// SetExpiry overrides the challenge TTL.
func (s *Store) SetExpiry(d time.Duration) {
	s.expiry = d
}

func challengeKey(impi, nonce string) string {
	return impi + "\\" + nonce
}

// Get reads a challenge and its CAS token.
func (s *Store) Get(ctx context.Context, impi, nonce string) (*Challenge, uint64, error) {
	data, cas, err := s.backing.Get(ctx, avTable, challengeKey(impi, nonce))
	if err != nil {
		return nil, 0, err
	}

	var av Challenge
	if err := json.Unmarshal([]byte(data), &av); err != nil {
		return nil, 0, fmt.Errorf("corrupt challenge record for %s: %w", impi, err)
	}
	return &av, cas, nil
}

// Set writes a challenge under the CAS token from the preceding Get, or
// zero to create.
func (s *Store) Set(ctx context.Context, impi string, av *Challenge, cas uint64) error {
	data, err := json.Marshal(av)
	if err != nil {
		return fmt.Errorf("failed to serialize challenge for %s: %w", impi, err)
	}

	err = s.backing.Set(ctx, avTable, challengeKey(impi, av.Nonce), string(data), cas, s.expiry)
	if err != nil {
		return err
	}

	s.logger.Debug("stored challenge", "impi", impi, "type", av.Type, "status", av.Status)
	return nil
}

// Delete removes a challenge, typically when its flow binding goes away.
func (s *Store) Delete(ctx context.Context, impi, nonce string) error {
	return s.backing.Delete(ctx, avTable, challengeKey(impi, nonce))
}

// CorrelateBranch surfaces the stored branch token for log correlation.
// A challenge without one is a diagnosable gap, not an error.
func (s *Store) CorrelateBranch(av *Challenge) string {
	if av.Branch == "" {
		s.logger.Warn("stored challenge is missing branch correlation token",
			"nonce", av.Nonce)
		return ""
	}
	return av.Branch
}
