package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Handler struct {
	ID                   int64      `gorm:"type:bigserial;primaryKey"`
	Name                 string     `gorm:"type:text;uniqueIndex;not null"`
	Type                 string     `gorm:"type:text;not null"`
	Arch                 string     `gorm:"type:text;not null"`
	Status               string     `gorm:"type:text;not null"`
	LastCheckedAt        *time.Time `gorm:"type:timestamptz"`
	LastCheckError       string     `gorm:"type:text"`
	Location             string     `gorm:"type:text"`
	IronicAPIURL         string     `gorm:"column:ironic_api_url;type:text"`
	IronicSSHHost        string     `gorm:"column:ironic_ssh_host;type:text"`
	IronicSSHPort        int        `gorm:"column:ironic_ssh_port;type:integer"`
	IronicSSHUser        string     `gorm:"column:ironic_ssh_user;type:text"`
	IronicImageServerURL string     `gorm:"column:ironic_image_server_url;type:text"`
	IronicImageRoot      string     `gorm:"column:ironic_image_root;type:text"`
	CreatedAt            time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt            time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Host struct {
	ID              int64             `gorm:"type:bigserial;primaryKey"`
	Name            string            `gorm:"type:text;uniqueIndex;not null"`
	MAC             string            `gorm:"column:mac;type:text;uniqueIndex;not null"`
	Arch            string            `gorm:"type:text;not null"`
	BootLegacy      bool              `gorm:"type:boolean;not null;default:false"`
	BootUEFI        bool              `gorm:"column:boot_uefi;type:boolean;not null;default:false"`
	BootSecure      bool              `gorm:"type:boolean;not null;default:false"`
	IPXE            bool              `gorm:"column:ipxe;type:boolean;not null;default:false"`
	HardwareType    string            `gorm:"type:text;not null"`
	Status          string            `gorm:"type:text;not null;index"`
	HandlerID       int64             `gorm:"type:bigint;not null;index"`
	NodeID          string            `gorm:"type:text"`
	HandlerMetadata datatypes.JSONMap `gorm:"type:jsonb"`
	ProvisionID     *int64            `gorm:"type:bigint"`
	LastError       string            `gorm:"type:text"`
	CreatedAt       time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt       time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Handler         Handler           `gorm:"foreignKey:HandlerID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

type Image struct {
	ID                int64             `gorm:"type:bigserial;primaryKey"`
	Version           string            `gorm:"type:text;not null;uniqueIndex:idx_images_identity"`
	BaseOS            string            `gorm:"column:base_os;type:text;not null;uniqueIndex:idx_images_identity"`
	Arch              string            `gorm:"type:text;not null;uniqueIndex:idx_images_identity"`
	Type              string            `gorm:"type:text;not null;uniqueIndex:idx_images_identity"`
	BootLegacy        bool              `gorm:"type:boolean;not null;default:false"`
	BootUEFI          bool              `gorm:"column:boot_uefi;type:boolean;not null;default:false"`
	BootSecure        bool              `gorm:"type:boolean;not null;default:false"`
	ISOURL            string            `gorm:"column:iso_url;type:text"`
	ISOChecksum       string            `gorm:"column:iso_checksum;type:text"`
	ISOKernelPath     string            `gorm:"column:iso_kernel_path;type:text"`
	ISOInitramfsPath  string            `gorm:"column:iso_initramfs_path;type:text"`
	ISOStage2Path     string            `gorm:"column:iso_stage2_path;type:text"`
	QCOW2URL          string            `gorm:"column:qcow2_url;type:text"`
	QCOW2Checksum     string            `gorm:"column:qcow2_checksum;type:text"`
	QCOW2KernelURL    string            `gorm:"column:qcow2_kernel_url;type:text"`
	QCOW2InitramfsURL string            `gorm:"column:qcow2_initramfs_url;type:text"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Provision struct {
	ID                       int64      `gorm:"type:bigserial;primaryKey"`
	Description              string     `gorm:"type:text"`
	Type                     string     `gorm:"type:text;not null"`
	BootType                 string     `gorm:"type:text;not null"`
	Status                   string     `gorm:"type:text;not null;index:idx_provisions_expiry,priority:1"`
	HostID                   int64      `gorm:"type:bigint;not null;index"`
	ImageID                  int64      `gorm:"type:bigint;not null"`
	RootGB                   int        `gorm:"column:root_gb;type:integer;not null"`
	Kickstart                string     `gorm:"type:text"`
	LogsPath                 string     `gorm:"type:text"`
	LastError                string     `gorm:"type:text"`
	HostReservationExpiresAt *time.Time `gorm:"type:timestamptz;index:idx_provisions_expiry,priority:2"`
	Version                  int64      `gorm:"type:bigint;not null;default:1"`
	CreatedAt                time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt                time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Host                     Host       `gorm:"foreignKey:HostID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	Image                    Image      `gorm:"foreignKey:ImageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Handler{},
		&Host{},
		&Image{},
		&Provision{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	constraints := []struct {
		model any
		name  string
	}{
		{&Host{}, "Handler"},
		{&Provision{}, "Host"},
		{&Provision{}, "Image"},
	}
	for _, c := range constraints {
		if m.HasConstraint(c.model, c.name) {
			continue
		}
		if err := m.CreateConstraint(c.model, c.name); err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Provision{},
		&Image{},
		&Host{},
		&Handler{},
	)
}
