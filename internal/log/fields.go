// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldCorrelationID = "correlation_id"
	FieldMessageID     = "message_id"
	FieldClientID      = "client_id"

	// Addressing fields
	FieldAPI      = "api"
	FieldMember   = "member"
	FieldListener = "listener"

	// Process fields
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldTransport = "transport"

	// Delivery fields
	FieldNativeID      = "native_id"
	FieldDeliveryCount = "delivery_count"
	FieldReturnPath    = "return_path"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
