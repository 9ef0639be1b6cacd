package inventory

import (
	"time"

	"gorm.io/datatypes"
)

type handlerModel struct {
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

func (handlerModel) TableName() string { return "handlers" }

type hostModel struct {
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
}

func (hostModel) TableName() string { return "hosts" }

type imageModel struct {
	ID                int64             `gorm:"type:bigserial;primaryKey"`
	Version           string            `gorm:"type:text;not null"`
	BaseOS            string            `gorm:"column:base_os;type:text;not null"`
	Arch              string            `gorm:"type:text;not null"`
	Type              string            `gorm:"type:text;not null"`
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

func (imageModel) TableName() string { return "images" }

func (m handlerModel) toHandler() Handler {
	h := Handler{
		ID:             m.ID,
		Name:           m.Name,
		Type:           HandlerType(m.Type),
		Arch:           m.Arch,
		Status:         HandlerStatus(m.Status),
		LastCheckedAt:  m.LastCheckedAt,
		LastCheckError: m.LastCheckError,
		Location:       m.Location,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if h.Type == HandlerTypeIronic {
		h.Ironic = &IronicEndpoint{
			APIURL:         m.IronicAPIURL,
			SSHHost:        m.IronicSSHHost,
			SSHPort:        m.IronicSSHPort,
			SSHUser:        m.IronicSSHUser,
			ImageServerURL: m.IronicImageServerURL,
			ImageRoot:      m.IronicImageRoot,
		}
	}
	return h
}

func handlerToModel(h Handler) handlerModel {
	m := handlerModel{
		ID:             h.ID,
		Name:           h.Name,
		Type:           string(h.Type),
		Arch:           h.Arch,
		Status:         string(h.Status),
		LastCheckedAt:  h.LastCheckedAt,
		LastCheckError: h.LastCheckError,
		Location:       h.Location,
	}
	if h.Ironic != nil {
		m.IronicAPIURL = h.Ironic.APIURL
		m.IronicSSHHost = h.Ironic.SSHHost
		m.IronicSSHPort = h.Ironic.SSHPort
		m.IronicSSHUser = h.Ironic.SSHUser
		m.IronicImageServerURL = h.Ironic.ImageServerURL
		m.IronicImageRoot = h.Ironic.ImageRoot
	}
	return m
}

func (m hostModel) toHost() Host {
	return Host{
		ID:              m.ID,
		Name:            m.Name,
		MAC:             m.MAC,
		Arch:            m.Arch,
		Boot:            BootModes{Legacy: m.BootLegacy, UEFI: m.BootUEFI, SecureBoot: m.BootSecure},
		IPXE:            m.IPXE,
		HardwareType:    HardwareType(m.HardwareType),
		Status:          HostStatus(m.Status),
		HandlerID:       m.HandlerID,
		NodeID:          m.NodeID,
		HandlerMetadata: mapFromJSONMap(m.HandlerMetadata),
		ProvisionID:     m.ProvisionID,
		LastError:       m.LastError,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func hostToModel(h Host) hostModel {
	return hostModel{
		ID:              h.ID,
		Name:            h.Name,
		MAC:             h.MAC,
		Arch:            h.Arch,
		BootLegacy:      h.Boot.Legacy,
		BootUEFI:        h.Boot.UEFI,
		BootSecure:      h.Boot.SecureBoot,
		IPXE:            h.IPXE,
		HardwareType:    string(h.HardwareType),
		Status:          string(h.Status),
		HandlerID:       h.HandlerID,
		NodeID:          h.NodeID,
		HandlerMetadata: toJSONMap(h.HandlerMetadata),
		ProvisionID:     h.ProvisionID,
		LastError:       h.LastError,
	}
}

func (m imageModel) toImage() Image {
	img := Image{
		ID:        m.ID,
		Version:   m.Version,
		BaseOS:    m.BaseOS,
		Arch:      m.Arch,
		Boot:      BootModes{Legacy: m.BootLegacy, UEFI: m.BootUEFI, SecureBoot: m.BootSecure},
		Type:      ArtifactType(m.Type),
		Metadata:  mapFromJSONMap(m.Metadata),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	switch img.Type {
	case ArtifactISO:
		img.ISO = &ISOArtifact{
			URL:           m.ISOURL,
			Checksum:      m.ISOChecksum,
			KernelPath:    m.ISOKernelPath,
			InitramfsPath: m.ISOInitramfsPath,
			Stage2Path:    m.ISOStage2Path,
		}
	case ArtifactQCOW2:
		img.QCOW2 = &QCOW2Artifact{
			URL:          m.QCOW2URL,
			Checksum:     m.QCOW2Checksum,
			KernelURL:    m.QCOW2KernelURL,
			InitramfsURL: m.QCOW2InitramfsURL,
		}
	}
	return img
}

func imageToModel(img Image) imageModel {
	m := imageModel{
		ID:         img.ID,
		Version:    img.Version,
		BaseOS:     img.BaseOS,
		Arch:       img.Arch,
		Type:       string(img.Type),
		BootLegacy: img.Boot.Legacy,
		BootUEFI:   img.Boot.UEFI,
		BootSecure: img.Boot.SecureBoot,
		Metadata:   toJSONMap(img.Metadata),
	}
	if img.ISO != nil {
		m.ISOURL = img.ISO.URL
		m.ISOChecksum = img.ISO.Checksum
		m.ISOKernelPath = img.ISO.KernelPath
		m.ISOInitramfsPath = img.ISO.InitramfsPath
		m.ISOStage2Path = img.ISO.Stage2Path
	}
	if img.QCOW2 != nil {
		m.QCOW2URL = img.QCOW2.URL
		m.QCOW2Checksum = img.QCOW2.Checksum
		m.QCOW2KernelURL = img.QCOW2.KernelURL
		m.QCOW2InitramfsURL = img.QCOW2.InitramfsURL
	}
	return m
}
