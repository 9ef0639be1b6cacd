package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"metalhub/pkg/errs"
	"metalhub/services/tasks"
)

// RegisterTasks adds the engine's steps to r.
func (e *Engine) RegisterTasks(r *tasks.Registry) error {
	perProvision := func(fn func(ctx context.Context, id int64) error) tasks.Handler {
		return tasks.Bind(func(ctx context.Context, args TaskArgs) error {
			if args.ProvisionID == 0 {
				return fmt.Errorf("provision_id missing: %w", errs.ErrInvariant)
			}
			return fn(ctx, args.ProvisionID)
		})
	}

	return errors.Join(
		r.Register(TaskStart, perProvision(e.Start)),
		r.Register(TaskDeploy, perProvision(e.Deploy)),
		r.Register(TaskStop, perProvision(func(ctx context.Context, id int64) error {
			_, err := e.Stop(ctx, id)
			return err
		})),
		r.Register(TaskExpireSweep, func(ctx context.Context, _ json.RawMessage) error {
			_, err := e.ExpireSweep(ctx)
			return err
		}),
	)
}
