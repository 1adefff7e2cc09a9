// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerAggregation(t *testing.T) {
	m := NewManager("test")
	m.Register(CheckerFunc{CheckName: "a", Fn: func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	}})

	resp := m.Health(context.Background())
	assert.Equal(t, StatusHealthy, resp.Status)

	m.Register(CheckerFunc{CheckName: "b", Fn: func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded, Message: "slow"}
	}})
	resp = m.Health(context.Background())
	assert.Equal(t, StatusDegraded, resp.Status)

	m.Register(CheckerFunc{CheckName: "c", Fn: func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Error: "down"}
	}})
	resp = m.Health(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
	require.Len(t, resp.Checks, 3)
}

func TestReadyHandler(t *testing.T) {
	m := NewManager("test")

	rec := httptest.NewRecorder()
	m.ReadyHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, 503, rec.Code)

	m.SetReady(true)
	rec = httptest.NewRecorder()
	m.ReadyHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, 200, rec.Code)
}
