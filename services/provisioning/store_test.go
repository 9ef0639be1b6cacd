package provisioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"metalhub/pkg/errs"
	"metalhub/services/inventory"
)

type sqlStore struct {
	store *GormStore
	sql   sqlmock.Sqlmock
	pgx   pgxmock.PgxPoolIface
}

func newSQLStore(t *testing.T) sqlStore {
	t.Helper()
	sqlDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	orm, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	pgxMock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(pgxMock.Close)

	store, err := NewGormStore(orm, pgxMock)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, sqlMock.ExpectationsWereMet())
		assert.NoError(t, pgxMock.ExpectationsWereMet())
	})
	return sqlStore{store: store, sql: sqlMock, pgx: pgxMock}
}

func TestNewGormStoreRequiresBoth(t *testing.T) {
	_, err := NewGormStore(nil, nil)
	assert.Error(t, err)
	_, err = NewGormStore(&gorm.DB{}, nil)
	assert.Error(t, err)
}

func TestGormListExpired(t *testing.T) {
	s := newSQLStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Minute)

	rows := pgxmock.NewRows([]string{
		"id", "type", "boot_type", "status", "host_id", "image_id", "version", "host_reservation_expires_at", "created_at",
	}).AddRow(
		int64(4), "ISO", "UEFI", "ACTIVE", int64(2), int64(9), int64(3), expired, now.Add(-time.Hour),
	)
	s.pgx.ExpectQuery(`FROM provisions\s+WHERE status = \$1 AND host_reservation_expires_at <= \$2`).
		WithArgs(string(StatusActive), now).
		WillReturnRows(rows)

	got, err := s.store.ListExpired(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].ID)
	assert.Equal(t, inventory.ArtifactISO, got[0].Type)
	assert.Equal(t, StatusActive, got[0].Status)
	assert.Equal(t, int64(2), got[0].HostID)
	assert.Equal(t, int64(3), got[0].Version)
	require.NotNil(t, got[0].HostReservationExpiresAt)
	assert.True(t, expired.Equal(*got[0].HostReservationExpiresAt))
}

func TestGormListExpiredQueryError(t *testing.T) {
	s := newSQLStore(t)
	s.pgx.ExpectQuery(`FROM provisions`).WillReturnError(errors.New("connection reset"))

	_, err := s.store.ListExpired(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list expired provisions")
}

func TestGormCreateReserved(t *testing.T) {
	const reserve = `UPDATE "hosts" SET .+ WHERE id = \$\d+ AND status = \$\d+`
	request := func() *Provision {
		return &Provision{Type: inventory.ArtifactISO, BootType: inventory.BootUEFI, Status: StatusQueued, HostID: 2, ImageID: 9, RootGB: 20}
	}

	t.Run("inserts and reserves together", func(t *testing.T) {
		s := newSQLStore(t)
		s.sql.ExpectBegin()
		s.sql.ExpectQuery(`INSERT INTO "provisions"`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
		s.sql.ExpectExec(reserve).
			WithArgs(11, string(inventory.HostReserved), sqlmock.AnyArg(), 2, string(inventory.HostAvailable)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		s.sql.ExpectCommit()

		p := request()
		require.NoError(t, s.store.CreateReserved(context.Background(), p))
		assert.Equal(t, int64(11), p.ID)
		assert.Equal(t, int64(1), p.Version)
	})

	t.Run("host taken rolls the insert back", func(t *testing.T) {
		s := newSQLStore(t)
		s.sql.ExpectBegin()
		s.sql.ExpectQuery(`INSERT INTO "provisions"`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
		s.sql.ExpectExec(reserve).WillReturnResult(sqlmock.NewResult(0, 0))
		s.sql.ExpectRollback()

		p := request()
		err := s.store.CreateReserved(context.Background(), p)
		assert.ErrorIs(t, err, errs.ErrConflict)
		assert.Zero(t, p.ID)
	})
}

func TestGormTransition(t *testing.T) {
	const update = `UPDATE "provisions" SET .+"version"=version \+ 1.+ WHERE id = \$\d+ AND version = \$\d+`
	const selectProvision = `SELECT \* FROM "provisions" WHERE "provisions"."id" = \$1`

	t.Run("version matches", func(t *testing.T) {
		s := newSQLStore(t)
		s.sql.ExpectBegin()
		s.sql.ExpectExec(update).
			WithArgs("boom", string(StatusEnding), sqlmock.AnyArg(), 11, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		s.sql.ExpectCommit()
		s.sql.ExpectQuery(selectProvision).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status", "version", "last_error"}).AddRow(11, string(StatusEnding), 4, "boom"))

		p := &Provision{ID: 11, Status: StatusActive, Version: 3}
		msg := "boom"
		require.NoError(t, s.store.Transition(context.Background(), p, StatusEnding, Change{LastError: &msg}))
		assert.Equal(t, StatusEnding, p.Status)
		assert.Equal(t, int64(4), p.Version)
		assert.Equal(t, "boom", p.LastError)
	})

	t.Run("stale version", func(t *testing.T) {
		s := newSQLStore(t)
		s.sql.ExpectBegin()
		s.sql.ExpectExec(update).
			WithArgs(string(StatusEnding), sqlmock.AnyArg(), 11, 3).
			WillReturnResult(sqlmock.NewResult(0, 0))
		s.sql.ExpectCommit()
		s.sql.ExpectQuery(selectProvision).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status", "version"}).AddRow(11, string(StatusFinished), 5))

		p := &Provision{ID: 11, Status: StatusActive, Version: 3}
		err := s.store.Transition(context.Background(), p, StatusEnding, Change{})
		require.ErrorIs(t, err, errs.ErrStale)
		assert.Equal(t, int64(3), p.Version, "caller's copy is left alone")
	})
}

func TestGormSetLogsPathMissing(t *testing.T) {
	s := newSQLStore(t)
	s.sql.ExpectBegin()
	s.sql.ExpectExec(`UPDATE "provisions" SET .+ WHERE id = \$\d+`).WillReturnResult(sqlmock.NewResult(0, 0))
	s.sql.ExpectCommit()

	assert.ErrorIs(t, s.store.SetLogsPath(context.Background(), 11, "logs/11.tar"), errs.ErrNotFound)
}
