// SPDX-License-Identifier: MIT

package schema

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// ConflictError reports an incompatible re-registration of an API.
type ConflictError struct {
	API    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schema conflict on %s: %s", e.API, e.Reason)
}

// CheckCompatible verifies that next is an additive evolution of prev:
// new members and new optional parameters are allowed; removals, type
// changes and new required parameters are not.
func CheckCompatible(apiName string, prev, next *Definition) error {
	if prev == nil {
		return nil
	}
	for name, prevMethod := range prev.Methods {
		nextMethod, ok := next.Methods[name]
		if !ok {
			return &ConflictError{API: apiName, Reason: fmt.Sprintf("method %s removed", name)}
		}
		if err := checkParams(apiName, "method "+name, prevMethod.Parameters, nextMethod.Parameters); err != nil {
			return err
		}
		if typeName(prevMethod.Response) != typeName(nextMethod.Response) {
			return &ConflictError{API: apiName, Reason: fmt.Sprintf("method %s response type changed", name)}
		}
	}
	for name, prevEvent := range prev.Events {
		nextEvent, ok := next.Events[name]
		if !ok {
			return &ConflictError{API: apiName, Reason: fmt.Sprintf("event %s removed", name)}
		}
		if err := checkParams(apiName, "event "+name, prevEvent.Parameters, nextEvent.Parameters); err != nil {
			return err
		}
	}
	return nil
}

func checkParams(apiName, member string, prev, next *openapi3.Schema) error {
	if prev == nil {
		return nil
	}
	if next == nil {
		return &ConflictError{API: apiName, Reason: member + " lost its parameters schema"}
	}
	for name, prevRef := range prev.Properties {
		nextRef, ok := next.Properties[name]
		if !ok {
			return &ConflictError{API: apiName, Reason: fmt.Sprintf("%s: parameter %s removed", member, name)}
		}
		if typeName(deref(prevRef)) != typeName(deref(nextRef)) {
			return &ConflictError{API: apiName, Reason: fmt.Sprintf("%s: parameter %s changed type", member, name)}
		}
	}
	prevRequired := map[string]bool{}
	for _, name := range prev.Required {
		prevRequired[name] = true
	}
	for _, name := range next.Required {
		if !prevRequired[name] {
			return &ConflictError{API: apiName, Reason: fmt.Sprintf("%s: parameter %s became required", member, name)}
		}
	}
	return nil
}

func deref(ref *openapi3.SchemaRef) *openapi3.Schema {
	if ref == nil {
		return nil
	}
	return ref.Value
}

func typeName(s *openapi3.Schema) string {
	if s == nil || s.Type == nil {
		return ""
	}
	types := *s.Type
	if len(types) == 0 {
		return ""
	}
	return types[0]
}
