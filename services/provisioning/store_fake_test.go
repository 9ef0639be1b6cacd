package provisioning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"metalhub/pkg/errs"
)

type hostReserver interface {
	ReserveHost(ctx context.Context, hostID, provisionID int64) error
}

// memStore mirrors GormStore: reservation and insert happen together and
// status writes are version checked.
type memStore struct {
	mu       sync.Mutex
	next     int64
	rows     map[int64]Provision
	reserver hostReserver
	now      func() time.Time
}

var _ Store = (*memStore)(nil)

func newMemStore(reserver hostReserver, now func() time.Time) *memStore {
	return &memStore{rows: map[int64]Provision{}, reserver: reserver, now: now}
}

func (s *memStore) CreateReserved(ctx context.Context, p *Provision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next + 1
	if err := s.reserver.ReserveHost(ctx, p.HostID, id); err != nil {
		return err
	}
	s.next = id
	p.ID = id
	p.Version = 1
	p.CreatedAt = s.now().UTC()
	p.UpdatedAt = p.CreatedAt
	s.rows[id] = *p
	return nil
}

func (s *memStore) Get(_ context.Context, id int64) (Provision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return Provision{}, fmt.Errorf("provision %d: %w", id, errs.ErrNotFound)
	}
	return p, nil
}

func (s *memStore) Transition(_ context.Context, p *Provision, to Status, change Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[p.ID]
	if !ok {
		return fmt.Errorf("provision %d: %w", p.ID, errs.ErrNotFound)
	}
	if row.Version != p.Version {
		return fmt.Errorf("provision %d at version %d, had %d: %w", p.ID, row.Version, p.Version, errs.ErrStale)
	}
	row.Status = to
	row.Version++
	if change.LastError != nil {
		row.LastError = *change.LastError
	}
	if change.ExpiresAt != nil {
		expires := *change.ExpiresAt
		row.HostReservationExpiresAt = &expires
	}
	row.UpdatedAt = s.now().UTC()
	s.rows[p.ID] = row
	*p = row
	return nil
}

func (s *memStore) SetLogsPath(_ context.Context, id int64, logsPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("provision %d: %w", id, errs.ErrNotFound)
	}
	row.LogsPath = logsPath
	s.rows[id] = row
	return nil
}

func (s *memStore) ListExpired(_ context.Context, now time.Time) ([]Provision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Provision
	for _, p := range s.rows {
		if p.Status == StatusActive && p.HostReservationExpiresAt != nil && !p.HostReservationExpiresAt.After(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// put overwrites a row, for arranging tests.
func (s *memStore) put(p Provision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = p
}
