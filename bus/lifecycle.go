// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lightbus/lightbus/internal/log"
	"github.com/lightbus/lightbus/transport"
)

// Start opens the transports, publishes schemas, runs the
// before_server_start hooks and spawns the consumer loops. Any error
// rolls back partially opened transports.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCreated {
		state := c.state
		c.mu.Unlock()
		return &LifecycleError{Op: "start", State: state}
	}
	c.mu.Unlock()

	opened, err := c.openTransports(ctx)
	if err != nil {
		c.closeTransports(context.Background(), opened)
		return err
	}

	rollback := func() {
		c.closeTransports(context.Background(), opened)
	}

	c.registerInternalAPI()

	if err := c.schemas.PublishAll(ctx); err != nil {
		rollback()
		return err
	}
	if err := c.schemas.RefreshRemote(ctx); err != nil {
		c.logger.Warn().Err(err).Str("event", "schema.initial_refresh_failed").Msg("could not load remote schemas at start")
	}

	if err := c.hooks.runBeforeServerStart(ctx); err != nil {
		rollback()
		return err
	}

	c.apis.Freeze()
	c.disp.start()

	c.mu.Lock()
	c.state = StateRunning
	group, groupCtx := errgroup.WithContext(c.disp.consumeCtx)
	c.group = group
	listeners := make([]*listenerReg, len(c.listeners))
	copy(listeners, c.listeners)
	bgTasks := make([]BackgroundTask, len(c.bgTasks))
	copy(bgTasks, c.bgTasks)
	c.mu.Unlock()

	group.Go(func() error {
		return c.schemas.Monitor(groupCtx)
	})

	if names := c.apis.Names(); len(names) > 0 {
		c.disp.startRpcLoop(names)
	}
	for _, reg := range listeners {
		c.disp.startListener(reg)
	}
	for _, task := range bgTasks {
		task := task
		group.Go(func() error {
			if err := task(groupCtx); err != nil && groupCtx.Err() == nil {
				c.logger.Error().Err(err).Str("event", "task.failed").Msg("background task failed")
				return err
			}
			return nil
		})
	}

	c.logger.Info().
		Str("event", "bus.started").
		Str("client_id", c.settings.ClientID).
		Strs("apis", c.apis.Names()).
		Int("listeners", len(listeners)).
		Msg("bus client started")
	return nil
}

// Stop drains the consumer loops, closes the transports and runs the
// after_server_stopped hooks. Errors during shutdown are logged, never
// raised; the sequence always completes.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		state := c.state
		c.mu.Unlock()
		return &LifecycleError{Op: "stop", State: state}
	}
	c.state = StateStopping
	group := c.group
	c.mu.Unlock()

	c.logger.Info().Str("event", "bus.stopping").Msg("draining consumer loops")

	completed := c.disp.drain(c.settings.GracefulShutdownTimeout)
	if !completed {
		c.logger.Warn().Str("event", "bus.drain_incomplete").Msg("some handlers were cancelled")
	}
	if group != nil {
		_ = group.Wait()
	}

	c.closeAllTransports(ctx)

	c.hooks.runAfterServerStopped(ctx, c.logger)

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	c.logger.Info().Str("event", "bus.stopped").Msg("bus client stopped")
	return nil
}

// Run starts the client, blocks until ctx is cancelled, then stops it
// gracefully.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), c.settings.GracefulShutdownTimeout+10*time.Second)
	defer cancel()
	return c.Stop(stopCtx)
}

type openedTransport struct {
	name string
	t    interface{ Close(context.Context) error }
}

func (c *Client) openTransports(ctx context.Context) ([]openedTransport, error) {
	order := []struct {
		name string
		open func(context.Context) error
		t    interface{ Close(context.Context) error }
	}{
		{"rpc", c.tr.Rpc.Open, c.tr.Rpc},
		{"result", c.tr.Result.Open, c.tr.Result},
		{"event", c.tr.Event.Open, c.tr.Event},
		{"schema", c.tr.Schema.Open, c.tr.Schema},
	}
	var opened []openedTransport
	for _, entry := range order {
		if err := entry.open(ctx); err != nil {
			return opened, transport.Failuref("open "+entry.name+" transport", err)
		}
		opened = append(opened, openedTransport{name: entry.name, t: entry.t})
	}
	return opened, nil
}

func (c *Client) closeAllTransports(ctx context.Context) {
	c.closeTransports(ctx, []openedTransport{
		{"rpc", c.tr.Rpc},
		{"result", c.tr.Result},
		{"event", c.tr.Event},
		{"schema", c.tr.Schema},
	})
}

func (c *Client) closeTransports(ctx context.Context, opened []openedTransport) {
	for i := len(opened) - 1; i >= 0; i-- {
		if err := opened[i].t.Close(ctx); err != nil {
			c.logger.Warn().Err(err).
				Str(log.FieldTransport, opened[i].name).
				Str("event", "transport.close_failed").
				Msg("transport close failed")
		}
	}
}
