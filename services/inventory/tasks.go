package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"metalhub/pkg/errs"
	"metalhub/services/tasks"
)

// RegisterTasks adds the health check and enrollment tasks to r.
func RegisterTasks(r *tasks.Registry, handlers *Handlers, hosts *Hosts) error {
	if handlers == nil || hosts == nil {
		return errors.New("handlers and hosts are required")
	}
	return errors.Join(
		r.Register(TaskHealthCheck, func(ctx context.Context, _ json.RawMessage) error {
			return handlers.CheckAll(ctx)
		}),
		r.Register(TaskEnrollHost, tasks.Bind(func(ctx context.Context, args EnrollArgs) error {
			if args.HostID == 0 {
				return fmt.Errorf("host_id missing: %w", errs.ErrInvariant)
			}
			_, err := hosts.Enroll(ctx, args.HostID)
			return err
		})),
	)
}
