package inventorytest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"metalhub/pkg/errs"
	"metalhub/pkg/ironic"
	"metalhub/services/inventory"
)

// Fail keys understood by Backend.
const (
	FailListDrivers = "list_drivers"
	FailCreateNode  = "create_node"
	FailCreatePort  = "create_port"
	FailUpdateNode  = "update_node"
	FailDeleteNode  = "delete_node"
	FailFactory     = "factory"
)

// FailState is the Fail key that makes SetAndWaitState(target) fail.
func FailState(target ironic.Target) string { return "state:" + string(target) }

// Transition records one SetAndWaitState call.
type Transition struct {
	NodeID string
	Target ironic.Target
}

// Backend is a scripted ironic.Client that also serves as its own
// inventory.BackendFactory.
type Backend struct {
	mu          sync.Mutex
	nodes       map[string]ironic.Node
	ports       []ironic.Port
	patches     map[string][]ironic.PatchOp
	transitions []Transition
	deleted     []string
	fail        map[string]error
	next        int
}

var (
	_ ironic.Client            = (*Backend)(nil)
	_ inventory.BackendFactory = (*Backend)(nil)
)

// NewBackend returns an empty Backend.
func NewBackend() *Backend {
	return &Backend{
		nodes:   map[string]ironic.Node{},
		patches: map[string][]ironic.PatchOp{},
		fail:    map[string]error{},
	}
}

// Fail makes the operation named by key return err. A nil err clears it.
func (b *Backend) Fail(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, key)
		return
	}
	b.fail[key] = err
}

func (b *Backend) failure(key string) error {
	if err, ok := b.fail[key]; ok {
		return fmt.Errorf("%w: %w", errs.ErrProvisioning, err)
	}
	return nil
}

func (b *Backend) ClientFor(_ context.Context, _ inventory.Handler) (ironic.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(FailFactory); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) ListDrivers(context.Context) ([]ironic.Driver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(FailListDrivers); err != nil {
		return nil, err
	}
	return []ironic.Driver{{Name: "ipmi"}, {Name: "idrac"}, {Name: "redfish"}}, nil
}

func (b *Backend) CreateNode(_ context.Context, spec ironic.NodeSpec) (ironic.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(FailCreateNode); err != nil {
		return ironic.Node{}, err
	}
	for _, n := range b.nodes {
		if n.Name == spec.Name {
			return ironic.Node{}, &ironic.APIError{Status: http.StatusConflict, Err: fmt.Errorf("node %s already exists", spec.Name)}
		}
	}
	b.next++
	info := make(map[string]any, len(spec.DriverInfo))
	for k, v := range spec.DriverInfo {
		info[k] = v
	}
	node := ironic.Node{
		UUID:           fmt.Sprintf("node-%d", b.next),
		Name:           spec.Name,
		Driver:         spec.Driver,
		DriverInfo:     info,
		BootInterface:  spec.BootInterface,
		Properties:     spec.Properties,
		ProvisionState: ironic.StateEnroll,
	}
	b.nodes[node.UUID] = node
	return node, nil
}

func (b *Backend) DeleteNode(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(FailDeleteNode); err != nil {
		return err
	}
	delete(b.nodes, id)
	b.deleted = append(b.deleted, id)
	return nil
}

func (b *Backend) CreatePort(_ context.Context, port ironic.Port) (ironic.Port, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(FailCreatePort); err != nil {
		return ironic.Port{}, err
	}
	port.UUID = fmt.Sprintf("port-%d", len(b.ports)+1)
	b.ports = append(b.ports, port)
	return port, nil
}

func (b *Backend) GetNode(_ context.Context, id string) (ironic.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	node, ok := b.nodes[id]
	if !ok {
		return ironic.Node{}, fmt.Errorf("node %s: %w", id, errs.ErrNotFound)
	}
	return node, nil
}

func (b *Backend) UpdateNode(_ context.Context, id string, ops []ironic.PatchOp) (ironic.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure(FailUpdateNode); err != nil {
		return ironic.Node{}, err
	}
	node, ok := b.nodes[id]
	if !ok {
		node = ironic.Node{UUID: id}
	}
	b.patches[id] = append(b.patches[id], ops...)
	b.nodes[id] = node
	return node, nil
}

func (b *Backend) SetAndWaitState(_ context.Context, id string, target ironic.Target) (ironic.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitions = append(b.transitions, Transition{NodeID: id, Target: target})
	if err := b.failure(FailState(target)); err != nil {
		return ironic.Node{}, err
	}
	node := b.nodes[id]
	node.UUID = id
	switch target {
	case ironic.TargetManage:
		node.ProvisionState = ironic.StateManageable
	case ironic.TargetActive:
		node.ProvisionState = ironic.StateActive
	default:
		node.ProvisionState = ironic.StateAvailable
	}
	b.nodes[id] = node
	return node, nil
}

// Ports returns the ports created so far.
func (b *Backend) Ports() []ironic.Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ironic.Port(nil), b.ports...)
}

// Patches returns the patch ops applied to node id.
func (b *Backend) Patches(id string) []ironic.PatchOp {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ironic.PatchOp(nil), b.patches[id]...)
}

// Transitions returns every SetAndWaitState call in order.
func (b *Backend) Transitions() []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Transition(nil), b.transitions...)
}

// Deleted returns the ids of deleted nodes in order.
func (b *Backend) Deleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}

// Node returns the stored node id.
func (b *Backend) Node(id string) (ironic.Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	return n, ok
}
