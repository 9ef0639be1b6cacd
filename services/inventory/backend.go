package inventory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"metalhub/pkg/errs"
	"metalhub/pkg/ironic"
	"metalhub/pkg/secrets"
	"metalhub/pkg/sshprobe"
)

// BackendFactory hands out a backend client bound to one handler.
type BackendFactory interface {
	ClientFor(ctx context.Context, h Handler) (ironic.Client, error)
}

// Prober checks SSH reachability of a handler host.
type Prober interface {
	Probe(ctx context.Context, target sshprobe.Target) error
}

// Secret store paths.
func handlerAPISecret(id int64) string { return "handlers/" + strconv.FormatInt(id, 10) + "/api" }
func handlerSSHSecret(id int64) string { return "handlers/" + strconv.FormatInt(id, 10) + "/ssh" }
func hostOOBSecret(id int64) string    { return "hosts/" + strconv.FormatInt(id, 10) + "/oob" }

// IronicFactory builds backend clients using API credentials from the secret store.
type IronicFactory struct {
	Secrets      secrets.Store
	Timeout      time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

func (f *IronicFactory) ClientFor(ctx context.Context, h Handler) (ironic.Client, error) {
	if h.Type != HandlerTypeIronic || h.Ironic == nil {
		return nil, fmt.Errorf("handler %d has no ironic endpoint: %w", h.ID, errs.ErrInvariant)
	}

	creds, _, err := f.Secrets.Read(ctx, handlerAPISecret(h.ID))
	if err != nil {
		return nil, fmt.Errorf("handler %d credentials: %w", h.ID, err)
	}

	return ironic.New(ironic.Config{
		BaseURL:      h.Ironic.APIURL,
		Username:     creds["username"],
		Password:     creds["password"],
		Timeout:      f.Timeout,
		WaitTimeout:  f.WaitTimeout,
		PollInterval: f.PollInterval,
	})
}
