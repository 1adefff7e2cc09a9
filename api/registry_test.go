// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authAPI() *API {
	return New("auth").
		AddMethod("login", func(ctx context.Context, kwargs map[string]any) (any, error) {
			return true, nil
		}, TypeBoolean,
			ParamSpec{Name: "user", Type: TypeString, Required: true},
			ParamSpec{Name: "password", Type: TypeString, Required: true},
		).
		AddEvent("user_registered", ParamSpec{Name: "user", Type: TypeString, Required: true})
}

func TestRegistryAddGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(authAPI()))

	got := r.Get("auth")
	require.NotNil(t, got)
	assert.NotNil(t, got.Method("login"))
	assert.Nil(t, got.Method("logout"))
	assert.NotNil(t, got.Event("user_registered"))
	assert.Equal(t, []string{"auth"}, r.Names())
}

func TestRegistryFreeze(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(authAPI()))
	r.Freeze()

	err := r.Add(New("billing").AddEvent("invoice_created"))
	assert.Error(t, err)
	assert.Nil(t, r.Get("billing"))
}

func TestAPIValidate(t *testing.T) {
	bad := New("auth")
	bad.Methods["login"] = &Method{Name: "login"}
	assert.Error(t, bad.Validate(), "handler-less method must be rejected")

	badName := New("1auth")
	assert.Error(t, badName.Validate())

	assert.NoError(t, authAPI().Validate())
}
