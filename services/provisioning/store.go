package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"metalhub/pkg/db"
	"metalhub/pkg/errs"
	"metalhub/services/inventory"
)

type provisionModel struct {
	ID                       int64      `gorm:"type:bigserial;primaryKey"`
	Description              string     `gorm:"type:text"`
	Type                     string     `gorm:"type:text;not null"`
	BootType                 string     `gorm:"type:text;not null"`
	Status                   string     `gorm:"type:text;not null"`
	HostID                   int64      `gorm:"type:bigint;not null"`
	ImageID                  int64      `gorm:"type:bigint;not null"`
	RootGB                   int        `gorm:"column:root_gb;type:integer;not null"`
	Kickstart                string     `gorm:"type:text"`
	LogsPath                 string     `gorm:"type:text"`
	LastError                string     `gorm:"type:text"`
	HostReservationExpiresAt *time.Time `gorm:"type:timestamptz"`
	Version                  int64      `gorm:"type:bigint;not null;default:1"`
	CreatedAt                time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt                time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (provisionModel) TableName() string { return "provisions" }

func provisionToModel(p Provision) provisionModel {
	return provisionModel{
		ID:                       p.ID,
		Description:              p.Description,
		Type:                     string(p.Type),
		BootType:                 string(p.BootType),
		Status:                   string(p.Status),
		HostID:                   p.HostID,
		ImageID:                  p.ImageID,
		RootGB:                   p.RootGB,
		Kickstart:                p.Kickstart,
		LogsPath:                 p.LogsPath,
		LastError:                p.LastError,
		HostReservationExpiresAt: p.HostReservationExpiresAt,
		Version:                  p.Version,
		CreatedAt:                p.CreatedAt,
		UpdatedAt:                p.UpdatedAt,
	}
}

func (m provisionModel) toProvision() Provision {
	return Provision{
		ID:                       m.ID,
		Description:              m.Description,
		Type:                     inventory.ArtifactType(m.Type),
		BootType:                 inventory.BootType(m.BootType),
		Status:                   Status(m.Status),
		HostID:                   m.HostID,
		ImageID:                  m.ImageID,
		RootGB:                   m.RootGB,
		Kickstart:                m.Kickstart,
		LogsPath:                 m.LogsPath,
		LastError:                m.LastError,
		HostReservationExpiresAt: m.HostReservationExpiresAt,
		Version:                  m.Version,
		CreatedAt:                m.CreatedAt,
		UpdatedAt:                m.UpdatedAt,
	}
}

// Change carries the optional columns written alongside a status change.
type Change struct {
	LastError *string
	ExpiresAt *time.Time
}

// Store persists provisions.
type Store interface {
	// CreateReserved inserts p and reserves its host in one transaction. A
	// host that is no longer AVAILABLE fails with errs.ErrConflict and nothing
	// is written.
	CreateReserved(ctx context.Context, p *Provision) error
	Get(ctx context.Context, id int64) (Provision, error)
	// Transition moves p to status `to` if p.Version is still current and
	// updates p in place. A lost race returns errs.ErrStale.
	Transition(ctx context.Context, p *Provision, to Status, change Change) error
	SetLogsPath(ctx context.Context, id int64, logsPath string) error
	// ListExpired returns ACTIVE provisions whose reservation ended at or
	// before now.
	ListExpired(ctx context.Context, now time.Time) ([]Provision, error)
}

// GormStore implements Store with gorm for writes and pgx for the sweep scan.
type GormStore struct {
	orm *gorm.DB
	q   db.Querier
}

// NewGormStore wires the store. q is normally the pool the orm runs on.
func NewGormStore(orm *gorm.DB, q db.Querier) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if q == nil {
		return nil, errors.New("querier is required")
	}
	return &GormStore{orm: orm, q: q}, nil
}

func (s *GormStore) CreateReserved(ctx context.Context, p *Provision) error {
	m := provisionToModel(*p)
	m.ID = 0
	m.Version = 1
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return db.Translate(err, "create provision")
		}
		return inventory.ReserveHostTx(tx, m.HostID, m.ID)
	})
	if err != nil {
		return err
	}
	*p = m.toProvision()
	return nil
}

func (s *GormStore) Get(ctx context.Context, id int64) (Provision, error) {
	var m provisionModel
	if err := s.orm.WithContext(ctx).First(&m, id).Error; err != nil {
		return Provision{}, db.Translate(err, fmt.Sprintf("provision %d", id))
	}
	return m.toProvision(), nil
}

func (s *GormStore) Transition(ctx context.Context, p *Provision, to Status, change Change) error {
	updates := map[string]any{
		"status":  string(to),
		"version": gorm.Expr("version + 1"),
	}
	if change.LastError != nil {
		updates["last_error"] = *change.LastError
	}
	if change.ExpiresAt != nil {
		updates["host_reservation_expires_at"] = *change.ExpiresAt
	}

	res := s.orm.WithContext(ctx).Model(&provisionModel{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Updates(updates)
	if res.Error != nil {
		return db.Translate(res.Error, fmt.Sprintf("provision %d", p.ID))
	}
	if res.RowsAffected == 0 {
		current, err := s.Get(ctx, p.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("provision %d is %s at version %d, had version %d: %w",
			p.ID, current.Status, current.Version, p.Version, errs.ErrStale)
	}

	fresh, err := s.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	*p = fresh
	return nil
}

func (s *GormStore) SetLogsPath(ctx context.Context, id int64, logsPath string) error {
	res := s.orm.WithContext(ctx).Model(&provisionModel{}).Where("id = ?", id).Update("logs_path", logsPath)
	if res.Error != nil {
		return db.Translate(res.Error, fmt.Sprintf("provision %d", id))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("provision %d: %w", id, errs.ErrNotFound)
	}
	return nil
}

type expiredRow struct {
	ID        int64     `db:"id"`
	Type      string    `db:"type"`
	BootType  string    `db:"boot_type"`
	Status    string    `db:"status"`
	HostID    int64     `db:"host_id"`
	ImageID   int64     `db:"image_id"`
	Version   int64     `db:"version"`
	ExpiresAt time.Time `db:"host_reservation_expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

const listExpiredQuery = `
SELECT id, type, boot_type, status, host_id, image_id, version, host_reservation_expires_at, created_at
FROM provisions
WHERE status = $1 AND host_reservation_expires_at <= $2
ORDER BY host_reservation_expires_at, id`

func (s *GormStore) ListExpired(ctx context.Context, now time.Time) ([]Provision, error) {
	var rows []expiredRow
	if err := db.Select(ctx, s.q, &rows, listExpiredQuery, string(StatusActive), now); err != nil {
		return nil, fmt.Errorf("list expired provisions: %w", err)
	}
	out := make([]Provision, 0, len(rows))
	for _, r := range rows {
		expires := r.ExpiresAt
		out = append(out, Provision{
			ID:                       r.ID,
			Type:                     inventory.ArtifactType(r.Type),
			BootType:                 inventory.BootType(r.BootType),
			Status:                   Status(r.Status),
			HostID:                   r.HostID,
			ImageID:                  r.ImageID,
			Version:                  r.Version,
			HostReservationExpiresAt: &expires,
			CreatedAt:                r.CreatedAt,
		})
	}
	return out, nil
}
