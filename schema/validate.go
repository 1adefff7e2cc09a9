// SPDX-License-Identifier: MIT

package schema

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// Direction records which side of the wire a validation failure occurred on.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// ValidationError reports a parameter set that does not conform to the
// schema of the addressed member.
type ValidationError struct {
	Direction Direction
	API       string
	Member    string
	Cause     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation of %s.%s failed: %v", e.Direction, e.API, e.Member, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// ValidateKwargs checks kwargs against the parameters schema.
func ValidateKwargs(s *openapi3.Schema, apiName, member string, kwargs map[string]any, dir Direction) error {
	if s == nil {
		return nil
	}
	value := map[string]any{}
	for k, v := range kwargs {
		value[k] = v
	}
	if err := s.VisitJSON(value); err != nil {
		return &ValidationError{Direction: dir, API: apiName, Member: member, Cause: err}
	}
	return nil
}

// ValidateResponse checks an RPC result value against the response schema.
func ValidateResponse(s *openapi3.Schema, apiName, member string, value any, dir Direction) error {
	if s == nil {
		return nil
	}
	if err := s.VisitJSON(value); err != nil {
		return &ValidationError{Direction: dir, API: apiName, Member: member, Cause: err}
	}
	return nil
}
