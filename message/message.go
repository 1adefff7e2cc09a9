// SPDX-License-Identifier: MIT

// Package message defines the envelopes carried over the bus: RPC calls,
// RPC results and events. Envelopes are broker-agnostic; transports decide
// how they are laid out on the wire.
package message

import (
	"fmt"

	"github.com/google/uuid"
)

// Metadata keys understood by the core. Transports and user code may add
// their own keys; unknown keys are carried through untouched.
const (
	MetaCodec         = "codec"
	MetaCorrelationID = "correlation_id"
	MetaClientID      = "client_id"
	MetaTraceParent   = "traceparent"
	MetaTraceState    = "tracestate"
	MetaExpiry        = "expiry"
)

// ErrorKind classifies a remote handler failure.
type ErrorKind string

const (
	KindHandlerError     ErrorKind = "handler_error"
	KindValidationFailed ErrorKind = "validation_failed"
	KindCancelled        ErrorKind = "cancelled"
	KindInternal         ErrorKind = "internal"
)

// ErrorInfo is the wire form of a handler failure, carried inside a
// ResultMessage. Result and ErrorInfo are mutually exclusive.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Trace   string    `json:"trace,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// RpcMessage is a single remote procedure call. It is consumed by exactly
// one responder; the result travels back over ReturnPath.
type RpcMessage struct {
	ID            string            `json:"id"`
	APIName       string            `json:"api_name"`
	ProcedureName string            `json:"procedure_name"`
	Kwargs        map[string]any    `json:"kwargs"`
	ReturnPath    string            `json:"return_path"`
	Metadata      map[string]string `json:"metadata"`
}

// NewRpcMessage builds an RpcMessage with a fresh ID.
func NewRpcMessage(apiName, procedureName string, kwargs map[string]any) *RpcMessage {
	return &RpcMessage{
		ID:            uuid.NewString(),
		APIName:       apiName,
		ProcedureName: procedureName,
		Kwargs:        kwargs,
		Metadata:      map[string]string{},
	}
}

// CanonicalName returns the dotted address of the called procedure.
func (m *RpcMessage) CanonicalName() string {
	return m.APIName + "." + m.ProcedureName
}

// ResultMessage is the reply to a single RpcMessage. Error is set only on
// failure, and Result is then unset; on success Result holds the returned
// value, which may be nil.
type ResultMessage struct {
	ID           string            `json:"id"`
	RpcMessageID string            `json:"rpc_message_id"`
	Result       any               `json:"result,omitempty"`
	Error        *ErrorInfo        `json:"error,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

// NewResultMessage builds a successful result for the given call.
func NewResultMessage(rpc *RpcMessage, result any) *ResultMessage {
	return &ResultMessage{
		ID:           uuid.NewString(),
		RpcMessageID: rpc.ID,
		Result:       result,
		Metadata:     map[string]string{},
	}
}

// NewErrorResult builds an error result for the given call.
func NewErrorResult(rpc *RpcMessage, kind ErrorKind, msg, trace string) *ResultMessage {
	return &ResultMessage{
		ID:           uuid.NewString(),
		RpcMessageID: rpc.ID,
		Error:        &ErrorInfo{Kind: kind, Message: msg, Trace: trace},
		Metadata:     map[string]string{},
	}
}

// EventMessage is a single fired event, fanned out to every listener group
// subscribed at publication time.
type EventMessage struct {
	ID        string            `json:"id"`
	APIName   string            `json:"api_name"`
	EventName string            `json:"event_name"`
	Kwargs    map[string]any    `json:"kwargs"`
	Metadata  map[string]string `json:"metadata"`
	// NativeID is the broker-assigned stream position, when known.
	NativeID string `json:"-"`
}

// NewEventMessage builds an EventMessage with a fresh ID.
func NewEventMessage(apiName, eventName string, kwargs map[string]any) *EventMessage {
	return &EventMessage{
		ID:        uuid.NewString(),
		APIName:   apiName,
		EventName: eventName,
		Kwargs:    kwargs,
		Metadata:  map[string]string{},
	}
}

// CanonicalName returns the dotted address of the event.
func (m *EventMessage) CanonicalName() string {
	return m.APIName + "." + m.EventName
}
