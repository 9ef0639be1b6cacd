package ironic

// Provision state targets accepted by PUT /v1/nodes/{id}/states/provision.
type Target string

const (
	TargetManage  Target = "manage"
	TargetProvide Target = "provide"
	TargetActive  Target = "active"
	TargetDeleted Target = "deleted"
)

// Provision states reported by the backend.
const (
	StateEnroll       = "enroll"
	StateManageable   = "manageable"
	StateAvailable    = "available"
	StateActive       = "active"
	StateDeployFailed = "deploy failed"
	StateCleanFailed  = "clean failed"
	StateInspectFail  = "inspect failed"
	StateRescueFailed = "rescue failed"
	StateError        = "error"
)

// stableStates maps a requested target to the state the node settles in.
var stableStates = map[Target]string{
	TargetManage:  StateManageable,
	TargetProvide: StateAvailable,
	TargetActive:  StateActive,
	TargetDeleted: StateAvailable,
}

var failedStates = map[string]bool{
	StateDeployFailed: true,
	StateCleanFailed:  true,
	StateInspectFail:  true,
	StateRescueFailed: true,
	StateError:        true,
}

// Node is the subset of the node resource the hub reads and writes.
type Node struct {
	UUID                 string         `json:"uuid,omitempty"`
	Name                 string         `json:"name,omitempty"`
	Driver               string         `json:"driver,omitempty"`
	DriverInfo           map[string]any `json:"driver_info,omitempty"`
	BootInterface        string         `json:"boot_interface,omitempty"`
	DeployInterface      string         `json:"deploy_interface,omitempty"`
	InstanceInfo         map[string]any `json:"instance_info,omitempty"`
	Properties           map[string]any `json:"properties,omitempty"`
	ProvisionState       string         `json:"provision_state,omitempty"`
	TargetProvisionState string         `json:"target_provision_state,omitempty"`
	LastError            string         `json:"last_error,omitempty"`
}

// NodeSpec is the body of a node create call.
type NodeSpec struct {
	Name          string            `json:"name"`
	Driver        string            `json:"driver"`
	DriverInfo    map[string]string `json:"driver_info"`
	BootInterface string            `json:"boot_interface,omitempty"`
	Properties    map[string]any    `json:"properties,omitempty"`
}

// Port links a MAC address to a node.
type Port struct {
	UUID     string `json:"uuid,omitempty"`
	NodeUUID string `json:"node_uuid"`
	Address  string `json:"address"`
	PXE      bool   `json:"pxe_enabled"`
}

// Driver is one entry of GET /v1/drivers.
type Driver struct {
	Name  string   `json:"name"`
	Hosts []string `json:"hosts,omitempty"`
}

// PatchOp is a single JSON-patch operation against a node.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Add, Replace and Remove build patch operations.
func Add(path string, value any) PatchOp     { return PatchOp{Op: "add", Path: path, Value: value} }
func Replace(path string, value any) PatchOp { return PatchOp{Op: "replace", Path: path, Value: value} }
func Remove(path string) PatchOp             { return PatchOp{Op: "remove", Path: path} }
