package inventory

import (
	"time"
)

// HandlerType selects the backend implementation behind a Handler.
type HandlerType string

const (
	HandlerTypeIronic HandlerType = "IRONIC"
)

// HandlerStatus is maintained by the periodic health check.
type HandlerStatus string

const (
	HandlerAvailable      HandlerStatus = "AVAILABLE"
	HandlerFailedAPICheck HandlerStatus = "FAILED_API_CHECK"
	HandlerFailedSSHCheck HandlerStatus = "FAILED_SSH_CHECK"
	HandlerMaintenance    HandlerStatus = "MAINTENANCE"
	HandlerUnavailable    HandlerStatus = "UNAVAILABLE"
)

// Handler is a hardware-management backend endpoint.
type Handler struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Type           HandlerType     `json:"type"`
	Arch           string          `json:"arch"`
	Status         HandlerStatus   `json:"status"`
	LastCheckedAt  *time.Time      `json:"last_checked_at,omitempty"`
	LastCheckError string          `json:"last_check_error,omitempty"`
	Location       string          `json:"location,omitempty"`
	Ironic         *IronicEndpoint `json:"ironic,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsAvailable reports whether the handler passed its last health check.
func (h Handler) IsAvailable() bool {
	return h.Status == HandlerAvailable
}

// IronicEndpoint holds the non-secret connection details of an Ironic handler.
// ImageServerURL is the HTTP root the backend fetches staged artifacts from;
// ImageRoot is the matching directory on the SSH host.
type IronicEndpoint struct {
	APIURL         string `json:"api_url"`
	SSHHost        string `json:"ssh_host"`
	SSHPort        int    `json:"ssh_port,omitempty"`
	SSHUser        string `json:"ssh_user"`
	ImageServerURL string `json:"image_server_url"`
	ImageRoot      string `json:"image_root"`
}

// IronicCredentials are accepted on registration and kept in the secret store.
type IronicCredentials struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	SSHPrivateKey string `json:"ssh_private_key"`
}

// HandlerSpec is the input to Handlers.Register.
type HandlerSpec struct {
	Name        string            `json:"name"`
	Type        HandlerType       `json:"type"`
	Arch        string            `json:"arch"`
	Location    string            `json:"location,omitempty"`
	Ironic      *IronicEndpoint   `json:"ironic,omitempty"`
	Credentials IronicCredentials `json:"credentials"`
}

// HardwareType selects the out-of-band management protocol of a Host.
type HardwareType string

const (
	HardwareGeneric HardwareType = "GENERIC"
	HardwareDRAC    HardwareType = "DRAC"
	HardwareRedfish HardwareType = "REDFISH"
)

// HostStatus tracks enrollment and reservation.
type HostStatus string

const (
	HostNonEnrolled     HostStatus = "NON_ENROLLED"
	HostEnrolling       HostStatus = "ENROLLING"
	HostFailedEnrolling HostStatus = "FAILED_ENROLLING"
	HostAvailable       HostStatus = "AVAILABLE"
	HostReserved        HostStatus = "RESERVED"
	HostMaintenance     HostStatus = "MAINTENANCE"
)

// BootModes lists the firmware modes a host or image supports.
type BootModes struct {
	Legacy     bool `json:"legacy"`
	UEFI       bool `json:"uefi"`
	SecureBoot bool `json:"secure_boot"`
}

func (b BootModes) any() bool { return b.Legacy || b.UEFI || b.SecureBoot }

// Host is a physical machine. Out-of-band credentials never appear here.
type Host struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	MAC             string         `json:"mac"`
	Arch            string         `json:"arch"`
	Boot            BootModes      `json:"boot"`
	IPXE            bool           `json:"ipxe"`
	HardwareType    HardwareType   `json:"hardware_type"`
	Status          HostStatus     `json:"status"`
	HandlerID       int64          `json:"handler_id"`
	NodeID          string         `json:"node_id,omitempty"`
	HandlerMetadata map[string]any `json:"handler_metadata,omitempty"`
	ProvisionID     *int64         `json:"provision_id,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IPMICredentials back GENERIC hosts.
type IPMICredentials struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
	Port     string `json:"port,omitempty"`
}

// DRACCredentials back DRAC hosts.
type DRACCredentials struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// RedfishCredentials back REDFISH hosts.
type RedfishCredentials struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
	SystemID string `json:"system_id,omitempty"`
	VerifyCA string `json:"verify_ca,omitempty"`
}

// OOBCredentials is a tagged union keyed by HardwareType. Exactly the member
// matching the host's type must be set.
type OOBCredentials struct {
	Generic *IPMICredentials    `json:"generic,omitempty"`
	DRAC    *DRACCredentials    `json:"drac,omitempty"`
	Redfish *RedfishCredentials `json:"redfish,omitempty"`
}

// HostSpec is the input to Hosts.Create.
type HostSpec struct {
	Name         string         `json:"name"`
	MAC          string         `json:"mac"`
	Arch         string         `json:"arch"`
	Boot         BootModes      `json:"boot"`
	IPXE         bool           `json:"ipxe"`
	HardwareType HardwareType   `json:"hardware_type"`
	HandlerID    int64          `json:"handler_id"`
	OOB          OOBCredentials `json:"oob"`
}

// ArtifactType is the polymorphic kind of an Image and of a Provision.
type ArtifactType string

const (
	ArtifactISO   ArtifactType = "ISO"
	ArtifactQCOW2 ArtifactType = "QCOW2"
)

// BootType is the boot mode a provision actually uses.
type BootType string

const (
	BootLegacy         BootType = "LEGACY"
	BootUEFI           BootType = "UEFI"
	BootUEFISecureBoot BootType = "UEFI_SECURE_BOOT"
)

// Image is a bootable artifact definition.
type Image struct {
	ID        int64          `json:"id"`
	Version   string         `json:"version"`
	BaseOS    string         `json:"base_os"`
	Arch      string         `json:"arch"`
	Boot      BootModes      `json:"boot"`
	Type      ArtifactType   `json:"type"`
	ISO       *ISOArtifact   `json:"iso,omitempty"`
	QCOW2     *QCOW2Artifact `json:"qcow2,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ISOArtifact locates an installer ISO and the files inside it the backend
// boots from. Paths are relative to the ISO root.
type ISOArtifact struct {
	URL           string `json:"url"`
	Checksum      string `json:"checksum"`
	KernelPath    string `json:"kernel_path"`
	InitramfsPath string `json:"initramfs_path"`
	Stage2Path    string `json:"stage2_path"`
}

// QCOW2Artifact locates a disk image plus its separate kernel and initramfs.
type QCOW2Artifact struct {
	URL          string `json:"url"`
	Checksum     string `json:"checksum"`
	KernelURL    string `json:"kernel_url"`
	InitramfsURL string `json:"initramfs_url"`
}

// Staged holds the image-server relative locations of a staged image.
type Staged struct {
	Kernel    string `json:"kernel"`
	Initramfs string `json:"initramfs"`
	Source    string `json:"source"`
	Stage2    string `json:"stage2,omitempty"`
}

// KickstartFile is a rendered kickstart waiting to be staged. Path is local;
// Name is the file name it gets on the image server.
type KickstartFile struct {
	Path string
	Name string
}

// Background task names owned by the registries.
const (
	TaskEnrollHost  = "hosts.enroll"
	TaskHealthCheck = "handlers.health_check"
)

// EnrollArgs is the payload of TaskEnrollHost.
type EnrollArgs struct {
	HostID int64 `json:"host_id"`
}
