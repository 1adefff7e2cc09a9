// SPDX-License-Identifier: MIT

package bus

import (
	"context"

	"github.com/lightbus/lightbus/api"
)

// registerInternalAPI exposes worker introspection to peers, mirroring
// what the inspect CLI command reads.
func (c *Client) registerInternalAPI() {
	state := api.New("internal.state").
		AddMethod("worker_status", func(ctx context.Context, kwargs map[string]any) (any, error) {
			c.mu.Lock()
			listeners := make([]string, 0, len(c.listeners))
			for _, reg := range c.listeners {
				listeners = append(listeners, reg.name)
			}
			c.mu.Unlock()
			return map[string]any{
				"client_id": c.settings.ClientID,
				"state":     string(c.State()),
				"apis":      c.apis.Names(),
				"listeners": listeners,
			}, nil
		}, api.TypeObject)

	if err := c.schemas.AddLocal(state); err != nil {
		c.logger.Warn().Err(err).Msg("failed to register internal.state schema")
		return
	}
	if err := c.apis.Add(state); err != nil {
		c.logger.Warn().Err(err).Msg("failed to register internal.state api")
	}
}
