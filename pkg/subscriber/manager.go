package subscriber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/treetop-comms/canopy/pkg/logging"
	"github.com/treetop-comms/canopy/pkg/metrics"
	"github.com/treetop-comms/canopy/pkg/store"
)

const regTable = "reg"

// MaxCASRetries bounds read-modify-write loops on CAS contention.
const MaxCASRetries = 3

// DataManager persists AoR state in a CAS store. Deployments run one
// manager for the local site store and optionally one for a remote site;
// writes go local first and are mirrored to the remote best-effort.
type DataManager struct {
	store  store.Store
	name   string
	logger *logging.Logger
	now    func() time.Time
}

// NewDataManager creates a manager over the given backing store.
func NewDataManager(backing store.Store, name string, logger *logging.Logger) *DataManager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DataManager{
		store:  backing,
		name:   name,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source, for expiry tests.
func (m *DataManager) SetClock(now func() time.Time) {
	m.now = now
}

// Name identifies the site this manager writes to.
func (m *DataManager) Name() string {
	return m.name
}

// GetAoR reads the registration state for an AoR. A missing record
// returns an empty AoR with a zero CAS token.
func (m *DataManager) GetAoR(ctx context.Context, aorID string) (*AoR, uint64, error) {
	data, cas, err := m.store.Get(ctx, regTable, aorID)
	if errors.Is(err, store.ErrNotFound) {
		return NewAoR(), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read AoR %s: %w", aorID, err)
	}

	aor, err := UnmarshalAoR(data)
	if err != nil {
		return nil, 0, fmt.Errorf("corrupt AoR record %s: %w", aorID, err)
	}
	return aor, cas, nil
}

// SetAoR writes the registration state back under the CAS token from the
// preceding GetAoR. An AoR with no bindings left is deleted outright. The
// record's TTL tracks the latest expiry so abandoned state ages out.
func (m *DataManager) SetAoR(ctx context.Context, aorID string, aor *AoR, cas uint64) error {
	if len(aor.Bindings) == 0 {
		return m.store.Delete(ctx, regTable, aorID)
	}

	data, err := aor.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize AoR %s: %w", aorID, err)
	}

	var ttl time.Duration
	if max := aor.MaxExpires(); max > 0 {
		// Keep the record a while past the last expiry so timer pops
		// arriving late still observe it.
		ttl = time.Unix(max, 0).Sub(m.now()) + 30*time.Second
		if ttl < 0 {
			ttl = 30 * time.Second
		}
	}

	return m.store.Set(ctx, regTable, aorID, data, cas, ttl)
}

// UpdateAoR runs a read-modify-write cycle with bounded CAS retries.
// update receives a private copy it may mutate; returning false aborts
// without writing.
func (m *DataManager) UpdateAoR(ctx context.Context, aorID string, update func(aor *AoR) bool) (*AoR, error) {
	var lastErr error
	for attempt := 0; attempt < MaxCASRetries; attempt++ {
		aor, cas, err := m.GetAoR(ctx, aorID)
		if err != nil {
			return nil, err
		}

		if !update(aor) {
			return aor, nil
		}

		err = m.SetAoR(ctx, aorID, aor, cas)
		if err == nil {
			return aor, nil
		}
		if !errors.Is(err, store.ErrCASMismatch) {
			return nil, err
		}
		metrics.StoreCASRetries.Inc()
		m.logger.Debug("CAS contention updating AoR", "aor", aorID, "attempt", attempt+1, "site", m.name)
		lastErr = err
	}
	return nil, fmt.Errorf("failed to update AoR %s after %d attempts: %w", aorID, MaxCASRetries, lastErr)
}

// MirrorAoR copies the state written locally into this (remote) site,
// best-effort: contention is retried, other failures are logged by the
// caller.
func (m *DataManager) MirrorAoR(ctx context.Context, aorID string, local *AoR) error {
	_, err := m.UpdateAoR(ctx, aorID, func(aor *AoR) bool {
		*aor = *local.Clone()
		return true
	})
	return err
}
