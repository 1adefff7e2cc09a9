// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"time"
)

// AddBackgroundTask runs fn for the lifetime of the started client. The
// task's context is cancelled when the client stops; a task failing with
// any other error is logged and stops its siblings' shared group.
func (c *Client) AddBackgroundTask(fn BackgroundTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bgTasks = append(c.bgTasks, fn)
}

// Every schedules fn at the given interval once the client starts. Runs
// follow a ticker on a fixed schedule counted from start, not from the end
// of the previous run; ticks that fall due while a run is still executing
// are dropped, so overlapping runs never happen. Errors are logged and the
// schedule continues.
func (c *Client) Every(interval time.Duration, fn func(ctx context.Context) error) {
	logger := c.logger
	c.AddBackgroundTask(func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).
						Dur("interval", interval).
						Str("event", "task.scheduled_failed").
						Msg("scheduled task failed")
				}
			}
		}
	})
}
