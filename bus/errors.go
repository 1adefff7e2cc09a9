// SPDX-License-Identifier: MIT

package bus

import (
	"errors"
	"fmt"

	"github.com/lightbus/lightbus/message"
	"github.com/lightbus/lightbus/schema"
	"github.com/lightbus/lightbus/transport"
)

var (
	// ErrRpcTimeout is returned by Call when the deadline passes without
	// a result.
	ErrRpcTimeout = errors.New("rpc call timed out")

	// ErrNoResponders is returned by Call when the deadline passes and
	// the broker reports no consumers for the API.
	ErrNoResponders = errors.New("no responders for api")

	// ErrCancelled is returned when an operation is cancelled by
	// shutdown or context cancellation.
	ErrCancelled = errors.New("operation cancelled")
)

// LifecycleError reports an operation attempted in the wrong client state.
type LifecycleError struct {
	Op    string
	State State
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("cannot %s while bus client is %s", e.Op, e.State)
}

// DuplicateListenerError reports a listener name registered twice for
// overlapping addresses on one client.
type DuplicateListenerError struct {
	ListenerName string
	Address      string
}

func (e *DuplicateListenerError) Error() string {
	return fmt.Sprintf("listener %q already registered for %s", e.ListenerName, e.Address)
}

// NoSuchApiError reports an address whose API is unknown.
type NoSuchApiError struct {
	API string
}

func (e *NoSuchApiError) Error() string {
	return fmt.Sprintf("no such api: %s", e.API)
}

// NoSuchMemberError reports an unknown method or event of a known API.
type NoSuchMemberError struct {
	API    string
	Member string
}

func (e *NoSuchMemberError) Error() string {
	return fmt.Sprintf("api %s has no member %s", e.API, e.Member)
}

// RemoteError carries a failure raised by the remote handler.
type RemoteError struct {
	Kind    message.ErrorKind
	Message string
	Trace   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote handler failed (%s): %s", e.Kind, e.Message)
}

// Re-exported error types so callers can match the full taxonomy from
// this package alone.
type (
	// ValidationError is a schema validation failure, with direction.
	ValidationError = schema.ValidationError
	// SchemaConflictError is an incompatible API re-registration.
	SchemaConflictError = schema.ConflictError
	// TransportFailure is a broker I/O or protocol error.
	TransportFailure = transport.Failure
)
