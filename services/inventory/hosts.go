package inventory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"metalhub/pkg/errs"
	"metalhub/pkg/ironic"
	"metalhub/pkg/metrics"
	"metalhub/pkg/secrets"
)

// Hosts is the host registry.
type Hosts struct {
	store    Store
	secrets  secrets.Store
	backends BackendFactory
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// HostsConfig wires a Hosts registry.
type HostsConfig struct {
	Store    Store
	Secrets  secrets.Store
	Backends BackendFactory
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// NewHosts validates cfg and returns the registry.
func NewHosts(cfg HostsConfig) (*Hosts, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Secrets == nil {
		return nil, errors.New("secret store is required")
	}
	if cfg.Backends == nil {
		return nil, errors.New("backend factory is required")
	}
	return &Hosts{
		store:    cfg.Store,
		secrets:  cfg.Secrets,
		backends: cfg.Backends,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "hosts").Logger(),
	}, nil
}

// Create stores a NON_ENROLLED host and its out-of-band credentials.
func (r *Hosts) Create(ctx context.Context, spec HostSpec) (Host, error) {
	mac, err := validateHostSpec(spec)
	if err != nil {
		return Host{}, err
	}
	if _, err := r.store.GetHandler(ctx, spec.HandlerID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Host{}, fmt.Errorf("%w: handler %d does not exist", errs.ErrValidation, spec.HandlerID)
		}
		return Host{}, err
	}

	h := Host{
		Name:         strings.TrimSpace(spec.Name),
		MAC:          mac,
		Arch:         spec.Arch,
		Boot:         spec.Boot,
		IPXE:         spec.IPXE,
		HardwareType: spec.HardwareType,
		Status:       HostNonEnrolled,
		HandlerID:    spec.HandlerID,
	}
	err = r.store.CreateHost(ctx, &h, func(ctx context.Context, id int64) error {
		if err := r.secrets.Write(ctx, hostOOBSecret(id), driverInfo(spec.HardwareType, spec.OOB)); err != nil {
			return fmt.Errorf("store host %d credentials: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return Host{}, err
	}

	r.logger.Info().Int64("host_id", h.ID).Str("name", h.Name).Str("hardware_type", string(h.HardwareType)).Msg("host created")
	return h, nil
}

func validateHostSpec(spec HostSpec) (string, error) {
	var problems []string
	if strings.TrimSpace(spec.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(spec.Arch) == "" {
		problems = append(problems, "arch is required")
	}
	hw, err := net.ParseMAC(strings.TrimSpace(spec.MAC))
	if err != nil {
		problems = append(problems, "mac is not a valid hardware address")
	}
	if !spec.Boot.any() {
		problems = append(problems, "at least one boot mode is required")
	}
	if spec.HandlerID == 0 {
		problems = append(problems, "handler_id is required")
	}

	set := 0
	for _, p := range []bool{spec.OOB.Generic != nil, spec.OOB.DRAC != nil, spec.OOB.Redfish != nil} {
		if p {
			set++
		}
	}
	if set > 1 {
		problems = append(problems, "exactly one oob credential block may be set")
	}
	switch spec.HardwareType {
	case HardwareGeneric:
		if spec.OOB.Generic == nil || spec.OOB.Generic.Address == "" {
			problems = append(problems, "oob.generic.address is required for GENERIC hosts")
		}
	case HardwareDRAC:
		if spec.OOB.DRAC == nil || spec.OOB.DRAC.Address == "" {
			problems = append(problems, "oob.drac.address is required for DRAC hosts")
		}
	case HardwareRedfish:
		if spec.OOB.Redfish == nil || spec.OOB.Redfish.Address == "" {
			problems = append(problems, "oob.redfish.address is required for REDFISH hosts")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported hardware type %q", spec.HardwareType))
	}

	if len(problems) > 0 {
		return "", fmt.Errorf("%w: %s", errs.ErrValidation, strings.Join(problems, "; "))
	}
	return hw.String(), nil
}

// Get loads a host by id.
func (r *Hosts) Get(ctx context.Context, id int64) (Host, error) {
	return r.store.GetHost(ctx, id)
}

// DriverFor returns the backend driver name for a hardware type.
func DriverFor(hw HardwareType) (string, error) {
	switch hw {
	case HardwareGeneric:
		return "ipmi", nil
	case HardwareDRAC:
		return "idrac", nil
	case HardwareRedfish:
		return "redfish", nil
	default:
		return "", fmt.Errorf("hardware type %q: %w", hw, errs.ErrInvariant)
	}
}

// driverInfo flattens the credential member matching hw into backend
// driver_info keys, dropping empty values.
func driverInfo(hw HardwareType, oob OOBCredentials) map[string]string {
	out := map[string]string{}
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	switch hw {
	case HardwareGeneric:
		if c := oob.Generic; c != nil {
			put("ipmi_address", c.Address)
			put("ipmi_username", c.Username)
			put("ipmi_password", c.Password)
			put("ipmi_port", c.Port)
		}
	case HardwareDRAC:
		if c := oob.DRAC; c != nil {
			put("drac_address", c.Address)
			put("drac_username", c.Username)
			put("drac_password", c.Password)
		}
	case HardwareRedfish:
		if c := oob.Redfish; c != nil {
			put("redfish_address", c.Address)
			put("redfish_username", c.Username)
			put("redfish_password", c.Password)
			put("redfish_system_id", c.SystemID)
			put("redfish_verify_ca", c.VerifyCA)
		}
	}
	return out
}

var driverInfoPrefix = map[HardwareType]string{
	HardwareGeneric: "ipmi_",
	HardwareDRAC:    "drac_",
	HardwareRedfish: "redfish_",
}

// Credentials returns the populated driver_info fields for the host's
// hardware type.
func (r *Hosts) Credentials(ctx context.Context, h Host) (map[string]string, error) {
	prefix, ok := driverInfoPrefix[h.HardwareType]
	if !ok {
		return nil, fmt.Errorf("host %d hardware type %q: %w", h.ID, h.HardwareType, errs.ErrInvariant)
	}
	stored, _, err := r.secrets.Read(ctx, hostOOBSecret(h.ID))
	if err != nil {
		return nil, fmt.Errorf("host %d credentials: %w", h.ID, err)
	}
	out := map[string]string{}
	for k, v := range stored {
		if v != "" && strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

// ValidateEnroll checks the enrollment preconditions without changing state.
func (r *Hosts) ValidateEnroll(ctx context.Context, id int64) (Host, Handler, error) {
	h, err := r.store.GetHost(ctx, id)
	if err != nil {
		return Host{}, Handler{}, err
	}
	if h.Status != HostNonEnrolled {
		return h, Handler{}, fmt.Errorf("host %d is %s: %w", id, h.Status, errs.ErrInvalidState)
	}
	handler, err := r.store.GetHandler(ctx, h.HandlerID)
	if err != nil {
		return h, Handler{}, err
	}
	if !handler.IsAvailable() {
		return h, handler, fmt.Errorf("handler %d is %s: %w", handler.ID, handler.Status, errs.ErrInvalidState)
	}
	return h, handler, nil
}

// Enroll registers the host with its handler's backend and walks the node
// through manage and provide. It fails closed on anything but NON_ENROLLED.
func (r *Hosts) Enroll(ctx context.Context, id int64) (Host, error) {
	h, handler, err := r.ValidateEnroll(ctx, id)
	if err != nil {
		return h, err
	}
	if err := r.store.TransitionHost(ctx, id, HostNonEnrolled, HostEnrolling); err != nil {
		return h, err
	}
	logger := r.logger.With().Int64("host_id", id).Int64("handler_id", handler.ID).Logger()
	logger.Info().Str("from", string(HostNonEnrolled)).Str("to", string(HostEnrolling)).Msg("enrolling host")

	node, orphan, err := r.enroll(ctx, h, handler)
	if err != nil {
		r.metrics.IncHostEnrollment("failed")
		logger.Warn().Err(err).Str("to", string(HostFailedEnrolling)).Str("orphan_node_id", orphan).Msg("host enrollment failed")
		result := EnrollmentResult{Status: HostFailedEnrolling, LastError: err.Error()}
		if orphan != "" {
			result.Metadata = map[string]any{OrphanNodeKey: orphan}
		}
		if werr := r.store.CompleteEnrollment(ctx, id, result); werr != nil {
			return h, errors.Join(err, werr)
		}
		h, _ = r.store.GetHost(ctx, id)
		return h, errs.Handled(fmt.Errorf("enroll host %d: %w", id, err))
	}

	if err := r.store.CompleteEnrollment(ctx, id, EnrollmentResult{
		Status: HostAvailable,
		NodeID: node.UUID,
		Metadata: map[string]any{
			"driver":          node.Driver,
			"provision_state": node.ProvisionState,
		},
	}); err != nil {
		return h, err
	}
	r.metrics.IncHostEnrollment("ok")
	logger.Info().Str("node_id", node.UUID).Str("to", string(HostAvailable)).Msg("host enrolled")
	return r.store.GetHost(ctx, id)
}

// OrphanNodeKey names the handler metadata entry holding a backend node left
// behind by a failed enrollment that could not be deleted.
const OrphanNodeKey = "orphan_node_id"

// enroll creates and readies the backend node. When a step after node
// creation fails the node is deleted again; if that fails too its id is
// returned as orphan.
func (r *Hosts) enroll(ctx context.Context, h Host, handler Handler) (node ironic.Node, orphan string, err error) {
	driver, err := DriverFor(h.HardwareType)
	if err != nil {
		return ironic.Node{}, "", err
	}
	info, err := r.Credentials(ctx, h)
	if err != nil {
		return ironic.Node{}, "", err
	}
	client, err := r.backends.ClientFor(ctx, handler)
	if err != nil {
		return ironic.Node{}, "", err
	}

	bootInterface := "pxe"
	if h.IPXE {
		bootInterface = "ipxe"
	}
	bootMode := "bios"
	if h.Boot.UEFI || h.Boot.SecureBoot {
		bootMode = "uefi"
	}

	node, err = client.CreateNode(ctx, ironic.NodeSpec{
		Name:          h.Name,
		Driver:        driver,
		DriverInfo:    info,
		BootInterface: bootInterface,
		Properties: map[string]any{
			"cpu_arch":     h.Arch,
			"capabilities": "boot_mode:" + bootMode,
		},
	})
	if err != nil {
		return ironic.Node{}, "", fmt.Errorf("create node: %w", err)
	}
	nodeID := node.UUID
	cleanup := func(cause error) (ironic.Node, string, error) {
		if derr := client.DeleteNode(ctx, nodeID); derr != nil {
			r.logger.Error().Err(derr).Int64("host_id", h.ID).Str("node_id", nodeID).Msg("could not delete node of failed enrollment")
			return ironic.Node{}, nodeID, cause
		}
		return ironic.Node{}, "", cause
	}

	if _, err := client.CreatePort(ctx, ironic.Port{NodeUUID: nodeID, Address: h.MAC, PXE: true}); err != nil {
		return cleanup(fmt.Errorf("create port: %w", err))
	}
	for _, target := range []ironic.Target{ironic.TargetManage, ironic.TargetProvide} {
		node, err = client.SetAndWaitState(ctx, nodeID, target)
		if err != nil {
			return cleanup(fmt.Errorf("%s node %s: %w", target, nodeID, err))
		}
	}
	node.UUID = nodeID
	return node, "", nil
}

// Reset returns a FAILED_ENROLLING host to NON_ENROLLED so it can be enrolled
// again. A recorded orphan node is deleted first.
func (r *Hosts) Reset(ctx context.Context, id int64) (Host, error) {
	h, err := r.store.GetHost(ctx, id)
	if err != nil {
		return Host{}, err
	}
	if h.Status != HostFailedEnrolling {
		return h, fmt.Errorf("host %d is %s, only %s can be reset: %w", id, h.Status, HostFailedEnrolling, errs.ErrInvalidState)
	}

	if orphan, _ := h.HandlerMetadata[OrphanNodeKey].(string); orphan != "" {
		handler, err := r.store.GetHandler(ctx, h.HandlerID)
		if err != nil {
			return h, err
		}
		client, err := r.backends.ClientFor(ctx, handler)
		if err != nil {
			return h, err
		}
		if err := client.DeleteNode(ctx, orphan); err != nil {
			return h, fmt.Errorf("delete orphan node %s of host %d: %w", orphan, id, err)
		}
	}

	if err := r.store.ResetHost(ctx, id); err != nil {
		return h, err
	}
	r.logger.Info().Int64("host_id", id).Str("from", string(HostFailedEnrolling)).Str("to", string(HostNonEnrolled)).Msg("host reset")
	return r.store.GetHost(ctx, id)
}

// Release returns a host reserved by provisionID to AVAILABLE. Repeated
// calls for the same provision are no-ops.
func (r *Hosts) Release(ctx context.Context, hostID, provisionID int64) (bool, error) {
	released, err := r.store.ReleaseHost(ctx, hostID, provisionID)
	if err != nil {
		return false, err
	}
	if released {
		r.logger.Info().Int64("host_id", hostID).Int64("provision_id", provisionID).
			Str("from", string(HostReserved)).Str("to", string(HostAvailable)).Msg("host released")
	}
	return released, nil
}
