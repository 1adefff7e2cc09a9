// SPDX-License-Identifier: MIT

// Package schema derives JSON-schema documents from API definitions,
// publishes them over the schema transport, and validates message
// parameters in both directions.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/lightbus/lightbus/api"
)

// MethodSchema describes one callable method.
type MethodSchema struct {
	Parameters *openapi3.Schema `json:"parameters"`
	Response   *openapi3.Schema `json:"response,omitempty"`
}

// EventSchema describes one fireable event.
type EventSchema struct {
	Parameters *openapi3.Schema `json:"parameters"`
}

// Definition is the published schema of one API.
type Definition struct {
	Version int                      `json:"version"`
	Methods map[string]*MethodSchema `json:"methods"`
	Events  map[string]*EventSchema  `json:"events"`
}

// Derive builds the schema Definition for an API from its parameter
// declarations.
func Derive(a *api.API) *Definition {
	def := &Definition{
		Version: 1,
		Methods: map[string]*MethodSchema{},
		Events:  map[string]*EventSchema{},
	}
	for name, m := range a.Methods {
		def.Methods[name] = &MethodSchema{
			Parameters: paramsSchema(m.Params),
			Response:   typeSchema(m.Response),
		}
	}
	for name, e := range a.Events {
		def.Events[name] = &EventSchema{Parameters: paramsSchema(e.Params)}
	}
	return def
}

func paramsSchema(params []api.ParamSpec) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	for _, p := range params {
		s.Properties[p.Name] = openapi3.NewSchemaRef("", typeSchema(p.Type))
		if p.Required {
			s.Required = append(s.Required, p.Name)
		}
	}
	return s
}

func typeSchema(t api.Type) *openapi3.Schema {
	switch t {
	case api.TypeString:
		return openapi3.NewStringSchema()
	case api.TypeInteger:
		return openapi3.NewIntegerSchema()
	case api.TypeNumber:
		return openapi3.NewFloat64Schema()
	case api.TypeBoolean:
		return openapi3.NewBoolSchema()
	case api.TypeObject:
		return openapi3.NewObjectSchema()
	case api.TypeArray:
		return openapi3.NewArraySchema()
	default:
		// "any" and unknown types validate everything.
		return openapi3.NewSchema()
	}
}

// MarshalDefinition encodes a Definition for the schema transport.
func MarshalDefinition(def *Definition) ([]byte, error) {
	return json.Marshal(def)
}

// UnmarshalDefinition decodes a Definition from the schema transport.
func UnmarshalDefinition(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("unmarshal schema definition: %w", err)
	}
	return &def, nil
}

// Method returns the schema of the named method, or nil.
func (d *Definition) Method(name string) *MethodSchema {
	if d == nil {
		return nil
	}
	return d.Methods[name]
}

// Event returns the schema of the named event, or nil.
func (d *Definition) Event(name string) *EventSchema {
	if d == nil {
		return nil
	}
	return d.Events[name]
}
