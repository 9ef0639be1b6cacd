package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"metalhub/pkg/db"
	"metalhub/pkg/errs"
)

// HandlerHealth is the outcome of one health check.
type HandlerHealth struct {
	Status    HandlerStatus
	CheckedAt time.Time
	Error     string
}

// EnrollmentResult is written when an enrollment attempt finishes.
type EnrollmentResult struct {
	Status    HostStatus
	NodeID    string
	LastError string
	Metadata  map[string]any
}

// InTx runs inside the transaction that inserts a row, after the row has its
// id. An error rolls the insert back.
type InTx func(ctx context.Context, id int64) error

// Store persists handlers, hosts and images. Conditional writes report a
// lost race as errs.ErrInvalidState or errs.ErrConflict, never silently.
type Store interface {
	CreateHandler(ctx context.Context, h *Handler, inTx InTx) error
	GetHandler(ctx context.Context, id int64) (Handler, error)
	ListHandlers(ctx context.Context) ([]Handler, error)
	// UpdateHandlerHealth writes health only while the status is one of
	// from; an empty from writes unconditionally. The bool is false when the
	// status had moved on.
	UpdateHandlerHealth(ctx context.Context, id int64, from []HandlerStatus, health HandlerHealth) (bool, error)

	CreateHost(ctx context.Context, h *Host, inTx InTx) error
	GetHost(ctx context.Context, id int64) (Host, error)
	TransitionHost(ctx context.Context, id int64, from, to HostStatus) error
	CompleteEnrollment(ctx context.Context, id int64, result EnrollmentResult) error
	// ResetHost moves a FAILED_ENROLLING host back to NON_ENROLLED and
	// clears what the failed attempt recorded.
	ResetHost(ctx context.Context, id int64) error
	ReserveHost(ctx context.Context, hostID, provisionID int64) error
	// ReleaseHost returns a host reserved by provisionID to AVAILABLE. The
	// bool is false when there was nothing to release.
	ReleaseHost(ctx context.Context, hostID, provisionID int64) (bool, error)

	CreateImage(ctx context.Context, img *Image) error
	GetImage(ctx context.Context, id int64) (Image, error)
}

// GormStore implements Store on Postgres through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps orm.
func NewGormStore(orm *gorm.DB) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormStore{db: orm}, nil
}

func (s *GormStore) CreateHandler(ctx context.Context, h *Handler, inTx InTx) error {
	m := handlerToModel(*h)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return db.Translate(err, "create handler")
		}
		return runInTx(ctx, inTx, m.ID)
	})
	if err != nil {
		return err
	}
	*h = m.toHandler()
	return nil
}

func runInTx(ctx context.Context, inTx InTx, id int64) error {
	if inTx == nil {
		return nil
	}
	return inTx(ctx, id)
}

func (s *GormStore) GetHandler(ctx context.Context, id int64) (Handler, error) {
	var m handlerModel
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return Handler{}, db.Translate(err, fmt.Sprintf("handler %d", id))
	}
	return m.toHandler(), nil
}

func (s *GormStore) ListHandlers(ctx context.Context) ([]Handler, error) {
	var rows []handlerModel
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, db.Translate(err, "list handlers")
	}
	out := make([]Handler, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toHandler())
	}
	return out, nil
}

func (s *GormStore) UpdateHandlerHealth(ctx context.Context, id int64, from []HandlerStatus, health HandlerHealth) (bool, error) {
	checkedAt := health.CheckedAt
	q := s.db.WithContext(ctx).Model(&handlerModel{}).Where("id = ?", id)
	if len(from) > 0 {
		statuses := make([]string, 0, len(from))
		for _, st := range from {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN ?", statuses)
	}
	res := q.Updates(map[string]any{
		"status":           string(health.Status),
		"last_checked_at":  &checkedAt,
		"last_check_error": health.Error,
	})
	if res.Error != nil {
		return false, db.Translate(res.Error, fmt.Sprintf("handler %d", id))
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetHandler(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *GormStore) CreateHost(ctx context.Context, h *Host, inTx InTx) error {
	m := hostToModel(*h)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return db.Translate(err, "create host")
		}
		return runInTx(ctx, inTx, m.ID)
	})
	if err != nil {
		return err
	}
	*h = m.toHost()
	return nil
}

func (s *GormStore) GetHost(ctx context.Context, id int64) (Host, error) {
	var m hostModel
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return Host{}, db.Translate(err, fmt.Sprintf("host %d", id))
	}
	return m.toHost(), nil
}

func (s *GormStore) TransitionHost(ctx context.Context, id int64, from, to HostStatus) error {
	res := s.db.WithContext(ctx).Model(&hostModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Update("status", string(to))
	if res.Error != nil {
		return db.Translate(res.Error, fmt.Sprintf("host %d", id))
	}
	if res.RowsAffected == 0 {
		return s.missedHostTransition(ctx, id, from)
	}
	return nil
}

func (s *GormStore) CompleteEnrollment(ctx context.Context, id int64, result EnrollmentResult) error {
	res := s.db.WithContext(ctx).Model(&hostModel{}).
		Where("id = ? AND status = ?", id, string(HostEnrolling)).
		Updates(map[string]any{
			"status":           string(result.Status),
			"node_id":          result.NodeID,
			"last_error":       result.LastError,
			"handler_metadata": toJSONMap(result.Metadata),
		})
	if res.Error != nil {
		return db.Translate(res.Error, fmt.Sprintf("host %d", id))
	}
	if res.RowsAffected == 0 {
		return s.missedHostTransition(ctx, id, HostEnrolling)
	}
	return nil
}

func (s *GormStore) ResetHost(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&hostModel{}).
		Where("id = ? AND status = ?", id, string(HostFailedEnrolling)).
		Updates(map[string]any{
			"status":           string(HostNonEnrolled),
			"node_id":          "",
			"last_error":       "",
			"handler_metadata": toJSONMap(nil),
		})
	if res.Error != nil {
		return db.Translate(res.Error, fmt.Sprintf("host %d", id))
	}
	if res.RowsAffected == 0 {
		return s.missedHostTransition(ctx, id, HostFailedEnrolling)
	}
	return nil
}

func (s *GormStore) ReserveHost(ctx context.Context, hostID, provisionID int64) error {
	return ReserveHostTx(s.db.WithContext(ctx), hostID, provisionID)
}

// ReserveHostTx atomically moves an AVAILABLE host to RESERVED for
// provisionID inside tx. Losing the race yields errs.ErrConflict.
func ReserveHostTx(tx *gorm.DB, hostID, provisionID int64) error {
	res := tx.Model(&hostModel{}).
		Where("id = ? AND status = ?", hostID, string(HostAvailable)).
		Updates(map[string]any{
			"status":       string(HostReserved),
			"provision_id": provisionID,
		})
	if res.Error != nil {
		return db.Translate(res.Error, fmt.Sprintf("reserve host %d", hostID))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("host %d is not available: %w", hostID, errs.ErrConflict)
	}
	return nil
}

func (s *GormStore) ReleaseHost(ctx context.Context, hostID, provisionID int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&hostModel{}).
		Where("id = ? AND status = ? AND provision_id = ?", hostID, string(HostReserved), provisionID).
		Updates(map[string]any{
			"status":       string(HostAvailable),
			"provision_id": nil,
		})
	if res.Error != nil {
		return false, db.Translate(res.Error, fmt.Sprintf("release host %d", hostID))
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) CreateImage(ctx context.Context, img *Image) error {
	m := imageToModel(*img)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return db.Translate(err, "create image")
	}
	*img = m.toImage()
	return nil
}

func (s *GormStore) GetImage(ctx context.Context, id int64) (Image, error) {
	var m imageModel
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return Image{}, db.Translate(err, fmt.Sprintf("image %d", id))
	}
	return m.toImage(), nil
}

func (s *GormStore) missedHostTransition(ctx context.Context, id int64, from HostStatus) error {
	current, err := s.GetHost(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("host %d is %s, want %s: %w", id, current.Status, from, errs.ErrInvalidState)
}
