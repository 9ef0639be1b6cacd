// Package inventorytest provides an in-memory inventory.Store with the same
// conditional-write semantics as the gorm store.
package inventorytest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"metalhub/pkg/errs"
	"metalhub/services/inventory"
)

// Store is a concurrency-safe in-memory inventory.Store.
type Store struct {
	mu       sync.Mutex
	nextID   int64
	handlers map[int64]inventory.Handler
	hosts    map[int64]inventory.Host
	images   map[int64]inventory.Image
}

var _ inventory.Store = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		handlers: map[int64]inventory.Handler{},
		hosts:    map[int64]inventory.Host{},
		images:   map[int64]inventory.Image{},
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// CreateHandler calls inTx with the lock held; the row is only kept when
// inTx succeeds.
func (s *Store) CreateHandler(ctx context.Context, h *inventory.Handler, inTx inventory.InTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.handlers {
		if existing.Name == h.Name {
			return fmt.Errorf("create handler: %w", errs.ErrConflict)
		}
	}
	id := s.id()
	if inTx != nil {
		if err := inTx(ctx, id); err != nil {
			return err
		}
	}
	h.ID = id
	h.CreatedAt = time.Now().UTC()
	h.UpdatedAt = h.CreatedAt
	s.handlers[h.ID] = *h
	return nil
}

func (s *Store) GetHandler(_ context.Context, id int64) (inventory.Handler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[id]
	if !ok {
		return inventory.Handler{}, fmt.Errorf("handler %d: %w", id, errs.ErrNotFound)
	}
	return h, nil
}

func (s *Store) ListHandlers(_ context.Context) ([]inventory.Handler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b inventory.Handler) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *Store) UpdateHandlerHealth(_ context.Context, id int64, from []inventory.HandlerStatus, health inventory.HandlerHealth) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[id]
	if !ok {
		return false, fmt.Errorf("handler %d: %w", id, errs.ErrNotFound)
	}
	if len(from) > 0 && !slices.Contains(from, h.Status) {
		return false, nil
	}
	checked := health.CheckedAt
	h.Status = health.Status
	h.LastCheckedAt = &checked
	h.LastCheckError = health.Error
	h.UpdatedAt = time.Now().UTC()
	s.handlers[id] = h
	return true, nil
}

// SetHandlerStatus overwrites a handler's status, for arranging tests.
func (s *Store) SetHandlerStatus(id int64, status inventory.HandlerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handlers[id]
	h.Status = status
	s.handlers[id] = h
}

func (s *Store) CreateHost(ctx context.Context, h *inventory.Host, inTx inventory.InTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.hosts {
		if existing.Name == h.Name || existing.MAC == h.MAC {
			return fmt.Errorf("create host: %w", errs.ErrConflict)
		}
	}
	id := s.id()
	if inTx != nil {
		if err := inTx(ctx, id); err != nil {
			return err
		}
	}
	h.ID = id
	h.CreatedAt = time.Now().UTC()
	h.UpdatedAt = h.CreatedAt
	s.hosts[h.ID] = *h
	return nil
}

func (s *Store) GetHost(_ context.Context, id int64) (inventory.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return inventory.Host{}, fmt.Errorf("host %d: %w", id, errs.ErrNotFound)
	}
	return h, nil
}

// PutHost stores h as-is, for arranging tests.
func (s *Store) PutHost(h inventory.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[h.ID] = h
}

func (s *Store) TransitionHost(_ context.Context, id int64, from, to inventory.HostStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return fmt.Errorf("host %d: %w", id, errs.ErrNotFound)
	}
	if h.Status != from {
		return fmt.Errorf("host %d is %s, want %s: %w", id, h.Status, from, errs.ErrInvalidState)
	}
	h.Status = to
	s.hosts[id] = h
	return nil
}

func (s *Store) CompleteEnrollment(_ context.Context, id int64, result inventory.EnrollmentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return fmt.Errorf("host %d: %w", id, errs.ErrNotFound)
	}
	if h.Status != inventory.HostEnrolling {
		return fmt.Errorf("host %d is %s: %w", id, h.Status, errs.ErrInvalidState)
	}
	h.Status = result.Status
	h.NodeID = result.NodeID
	h.LastError = result.LastError
	h.HandlerMetadata = result.Metadata
	s.hosts[id] = h
	return nil
}

func (s *Store) ResetHost(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return fmt.Errorf("host %d: %w", id, errs.ErrNotFound)
	}
	if h.Status != inventory.HostFailedEnrolling {
		return fmt.Errorf("host %d is %s: %w", id, h.Status, errs.ErrInvalidState)
	}
	h.Status = inventory.HostNonEnrolled
	h.NodeID = ""
	h.LastError = ""
	h.HandlerMetadata = nil
	s.hosts[id] = h
	return nil
}

func (s *Store) ReserveHost(_ context.Context, hostID, provisionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[hostID]
	if !ok || h.Status != inventory.HostAvailable {
		return fmt.Errorf("host %d is not available: %w", hostID, errs.ErrConflict)
	}
	pid := provisionID
	h.Status = inventory.HostReserved
	h.ProvisionID = &pid
	s.hosts[hostID] = h
	return nil
}

func (s *Store) ReleaseHost(_ context.Context, hostID, provisionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[hostID]
	if !ok || h.Status != inventory.HostReserved || h.ProvisionID == nil || *h.ProvisionID != provisionID {
		return false, nil
	}
	h.Status = inventory.HostAvailable
	h.ProvisionID = nil
	s.hosts[hostID] = h
	return true, nil
}

func (s *Store) CreateImage(_ context.Context, img *inventory.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.images {
		if existing.Arch == img.Arch && existing.BaseOS == img.BaseOS && existing.Type == img.Type && existing.Version == img.Version {
			return fmt.Errorf("create image: %w", errs.ErrConflict)
		}
	}
	img.ID = s.id()
	img.CreatedAt = time.Now().UTC()
	img.UpdatedAt = img.CreatedAt
	s.images[img.ID] = *img
	return nil
}

func (s *Store) GetImage(_ context.Context, id int64) (inventory.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return inventory.Image{}, fmt.Errorf("image %d: %w", id, errs.ErrNotFound)
	}
	return img, nil
}
