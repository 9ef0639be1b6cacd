// Package ironic is the bare-metal backend client, a thin layer over the
// gophercloud baremetal v1 API.
package ironic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/baremetal/httpbasic"
	"github.com/gophercloud/gophercloud/v2/openstack/baremetal/noauth"
	"github.com/gophercloud/gophercloud/v2/openstack/baremetal/v1/drivers"
	"github.com/gophercloud/gophercloud/v2/openstack/baremetal/v1/nodes"
	"github.com/gophercloud/gophercloud/v2/openstack/baremetal/v1/ports"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"metalhub/pkg/errs"
)

// APIVersion is the microversion sent with every request.
const APIVersion = "1.78"

// ErrWaitTimeout is returned when a node does not reach its target state in time.
var ErrWaitTimeout = errors.New("ironic: timed out waiting for provision state")

// Client is the backend surface used by the registries and the engine.
type Client interface {
	ListDrivers(ctx context.Context) ([]Driver, error)
	CreateNode(ctx context.Context, spec NodeSpec) (Node, error)
	DeleteNode(ctx context.Context, id string) error
	CreatePort(ctx context.Context, port Port) (Port, error)
	GetNode(ctx context.Context, id string) (Node, error)
	UpdateNode(ctx context.Context, id string, ops []PatchOp) (Node, error)
	SetAndWaitState(ctx context.Context, id string, target Target) (Node, error)
}

// Config configures a ServiceClient. Without a username the endpoint is
// reached unauthenticated.
type Config struct {
	BaseURL      string
	Username     string
	Password     string
	Timeout      time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// ServiceClient talks to one backend endpoint.
type ServiceClient struct {
	sc  *gophercloud.ServiceClient
	cfg Config
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Err    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ironic: status %d: %v", e.Status, e.Err)
}

// Unwrap lets callers match 404s against errs.ErrNotFound.
func (e *APIError) Unwrap() []error {
	if e.Status == http.StatusNotFound {
		return []error{e.Err, errs.ErrNotFound}
	}
	return []error{e.Err, errs.ErrProvisioning}
}

// New validates cfg and returns a client for the endpoint's v1 API.
func New(cfg Config) (*ServiceClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("ironic: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}

	endpoint := base.String()
	if !strings.HasSuffix(endpoint, "/v1") {
		endpoint += "/v1"
	}
	endpoint += "/"

	var sc *gophercloud.ServiceClient
	if cfg.Username != "" {
		sc, err = httpbasic.NewBareMetalHTTPBasic(httpbasic.EndpointOpts{
			IronicEndpoint:     endpoint,
			IronicUser:         cfg.Username,
			IronicUserPassword: cfg.Password,
		})
	} else {
		sc, err = noauth.NewBareMetalNoAuth(noauth.EndpointOpts{IronicEndpoint: endpoint})
	}
	if err != nil {
		return nil, fmt.Errorf("ironic: %w", err)
	}
	sc.Type = "baremetal"
	sc.Microversion = APIVersion
	sc.ProviderClient.HTTPClient = http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return &ServiceClient{sc: sc, cfg: cfg}, nil
}

func (c *ServiceClient) ListDrivers(ctx context.Context) ([]Driver, error) {
	pages, err := drivers.ListDrivers(c.sc, drivers.ListDriversOpts{}).AllPages(ctx)
	if err != nil {
		return nil, apiError("list drivers", err)
	}
	list, err := drivers.ExtractDrivers(pages)
	if err != nil {
		return nil, fmt.Errorf("ironic: decode drivers: %w", err)
	}
	out := make([]Driver, 0, len(list))
	for _, d := range list {
		out = append(out, Driver{Name: d.Name, Hosts: d.Hosts})
	}
	return out, nil
}

func (c *ServiceClient) CreateNode(ctx context.Context, spec NodeSpec) (Node, error) {
	info := make(map[string]any, len(spec.DriverInfo))
	for k, v := range spec.DriverInfo {
		info[k] = v
	}
	n, err := nodes.Create(ctx, c.sc, nodes.CreateOpts{
		Name:          spec.Name,
		Driver:        spec.Driver,
		DriverInfo:    info,
		BootInterface: spec.BootInterface,
		Properties:    spec.Properties,
	}).Extract()
	if err != nil {
		return Node{}, apiError("create node", err)
	}
	return fromNode(n), nil
}

// DeleteNode removes a node. A node that is already gone is not an error.
func (c *ServiceClient) DeleteNode(ctx context.Context, id string) error {
	err := nodes.Delete(ctx, c.sc, id).ExtractErr()
	if err != nil && !gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return apiError("delete node "+id, err)
	}
	return nil
}

func (c *ServiceClient) CreatePort(ctx context.Context, port Port) (Port, error) {
	pxe := port.PXE
	p, err := ports.Create(ctx, c.sc, ports.CreateOpts{
		NodeUUID:   port.NodeUUID,
		Address:    port.Address,
		PXEEnabled: &pxe,
	}).Extract()
	if err != nil {
		return Port{}, apiError("create port", err)
	}
	return Port{UUID: p.UUID, NodeUUID: p.NodeUUID, Address: p.Address, PXE: p.PXEEnabled}, nil
}

func (c *ServiceClient) GetNode(ctx context.Context, id string) (Node, error) {
	n, err := nodes.Get(ctx, c.sc, id).Extract()
	if err != nil {
		return Node{}, apiError("get node "+id, err)
	}
	return fromNode(n), nil
}

func (c *ServiceClient) UpdateNode(ctx context.Context, id string, ops []PatchOp) (Node, error) {
	opts := make(nodes.UpdateOpts, 0, len(ops))
	for _, op := range ops {
		opts = append(opts, nodes.UpdateOperation{Op: nodes.UpdateOp(op.Op), Path: op.Path, Value: op.Value})
	}
	n, err := nodes.Update(ctx, c.sc, id, opts).Extract()
	if err != nil {
		return Node{}, apiError("update node "+id, err)
	}
	return fromNode(n), nil
}

// SetAndWaitState requests target and polls the node until it settles in the
// matching stable state, lands in a failure state, or the wait times out.
func (c *ServiceClient) SetAndWaitState(ctx context.Context, id string, target Target) (Node, error) {
	want, ok := stableStates[target]
	if !ok {
		return Node{}, fmt.Errorf("ironic: unsupported target %q", target)
	}

	err := nodes.ChangeProvisionState(ctx, c.sc, id, nodes.ProvisionStateOpts{
		Target: nodes.TargetProvisionState(target),
	}).ExtractErr()
	if err != nil {
		return Node{}, apiError("set provision state of "+id, err)
	}

	var node Node
	backoff := retry.WithMaxDuration(c.cfg.WaitTimeout, retry.NewConstant(c.cfg.PollInterval))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		node, err = c.GetNode(ctx, id)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status >= http.StatusInternalServerError {
				return retry.RetryableError(err)
			}
			return err
		}
		return settled(node, target, want)
	})

	var p *pendingError
	switch {
	case err == nil:
		return node, nil
	case errors.As(err, &p):
		return node, fmt.Errorf("%w: node %s: %w", errs.ErrProvisioning, id, ErrWaitTimeout)
	default:
		return node, err
	}
}

type pendingError struct{ state, target string }

func (e *pendingError) Error() string {
	return fmt.Sprintf("node in %q moving to %q", e.state, e.target)
}

func settled(node Node, target Target, want string) error {
	if node.ProvisionState == want && node.TargetProvisionState == "" {
		return nil
	}
	if failedStates[node.ProvisionState] {
		return fmt.Errorf("%w: node %s entered %q during %s: %s", errs.ErrProvisioning, node.UUID, node.ProvisionState, target, node.LastError)
	}
	if node.TargetProvisionState == "" && node.LastError != "" {
		return fmt.Errorf("%w: node %s stopped in %q during %s: %s", errs.ErrProvisioning, node.UUID, node.ProvisionState, target, node.LastError)
	}
	return retry.RetryableError(&pendingError{state: node.ProvisionState, target: want})
}

// apiError tags HTTP failures with their status; transport failures are
// backend failures.
func apiError(op string, err error) error {
	var coded gophercloud.ErrUnexpectedResponseCode
	if errors.As(err, &coded) {
		return &APIError{Status: coded.GetStatusCode(), Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%w: %s: %w", errs.ErrProvisioning, op, err)
}

func fromNode(n *nodes.Node) Node {
	return Node{
		UUID:                 n.UUID,
		Name:                 n.Name,
		Driver:               n.Driver,
		DriverInfo:           n.DriverInfo,
		BootInterface:        n.BootInterface,
		DeployInterface:      n.DeployInterface,
		InstanceInfo:         n.InstanceInfo,
		Properties:           n.Properties,
		ProvisionState:       n.ProvisionState,
		TargetProvisionState: n.TargetProvisionState,
		LastError:            n.LastError,
	}
}
