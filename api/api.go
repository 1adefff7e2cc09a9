// SPDX-License-Identifier: MIT

// Package api holds the in-process registry of APIs: named collections of
// callable methods and fireable events, with typed parameter declarations
// the schema layer derives validation documents from.
package api

import (
	"context"
	"fmt"

	"github.com/lightbus/lightbus/message"
)

// Type names a parameter or response type. The set mirrors what the JSON
// codec can carry.
type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeAny     Type = "any"
)

// ParamSpec declares one named parameter of a method or event.
type ParamSpec struct {
	Name     string
	Type     Type
	Required bool
}

// Handler is the user-provided implementation of a method.
type Handler func(ctx context.Context, kwargs map[string]any) (any, error)

// Method is a callable procedure of an API.
type Method struct {
	Name     string
	Params   []ParamSpec
	Response Type
	Handler  Handler
}

// Event is a fireable event of an API.
type Event struct {
	Name   string
	Params []ParamSpec
}

// API is one named contract: a set of methods and events.
type API struct {
	Name    string
	Methods map[string]*Method
	Events  map[string]*Event
}

// New builds an empty API definition.
func New(name string) *API {
	return &API{
		Name:    name,
		Methods: map[string]*Method{},
		Events:  map[string]*Event{},
	}
}

// AddMethod registers a method on the API, replacing any previous one of
// the same name.
func (a *API) AddMethod(name string, handler Handler, response Type, params ...ParamSpec) *API {
	a.Methods[name] = &Method{Name: name, Params: params, Response: response, Handler: handler}
	return a
}

// AddEvent registers an event on the API.
func (a *API) AddEvent(name string, params ...ParamSpec) *API {
	a.Events[name] = &Event{Name: name, Params: params}
	return a
}

// Validate checks the API definition is well formed.
func (a *API) Validate() error {
	if err := message.ValidateAPIName(a.Name); err != nil {
		return err
	}
	for name, m := range a.Methods {
		if err := message.ValidateMemberName(name); err != nil {
			return err
		}
		if m.Handler == nil {
			return fmt.Errorf("method %s.%s has no handler", a.Name, name)
		}
	}
	for name := range a.Events {
		if err := message.ValidateMemberName(name); err != nil {
			return err
		}
	}
	return nil
}

// Method returns the named method or nil.
func (a *API) Method(name string) *Method { return a.Methods[name] }

// Event returns the named event or nil.
func (a *API) Event(name string) *Event { return a.Events[name] }
