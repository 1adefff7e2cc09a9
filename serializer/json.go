// SPDX-License-Identifier: MIT

package serializer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/lightbus/lightbus/message"
)

// bytesKey wraps binary kwarg values, which plain JSON cannot carry.
const bytesKey = "__bytes__"

// JSON is the default codec: UTF-8 JSON with base64-wrapped binary values.
type JSON struct{}

// NewJSON returns the JSON codec.
func NewJSON() *JSON { return &JSON{} }

func (*JSON) ContentType() string { return "json" }

func (*JSON) EncodeRpc(m *message.RpcMessage) ([]byte, error) {
	cp := *m
	cp.Kwargs = wrapBinary(m.Kwargs)
	return json.Marshal(&cp)
}

func (*JSON) DecodeRpc(data []byte) (*message.RpcMessage, error) {
	var m message.RpcMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode rpc message: %w", err)
	}
	m.Kwargs = unwrapBinary(m.Kwargs)
	return &m, nil
}

func (*JSON) EncodeResult(m *message.ResultMessage) ([]byte, error) {
	return json.Marshal(m)
}

func (*JSON) DecodeResult(data []byte) (*message.ResultMessage, error) {
	var m message.ResultMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode result message: %w", err)
	}
	return &m, nil
}

func (*JSON) EncodeEvent(m *message.EventMessage) ([]byte, error) {
	cp := *m
	cp.Kwargs = wrapBinary(m.Kwargs)
	return json.Marshal(&cp)
}

func (*JSON) DecodeEvent(data []byte) (*message.EventMessage, error) {
	var m message.EventMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode event message: %w", err)
	}
	m.Kwargs = unwrapBinary(m.Kwargs)
	return &m, nil
}

func wrapBinary(kwargs map[string]any) map[string]any {
	if kwargs == nil {
		return nil
	}
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		if b, ok := v.([]byte); ok {
			out[k] = map[string]any{bytesKey: base64.StdEncoding.EncodeToString(b)}
			continue
		}
		out[k] = v
	}
	return out
}

func unwrapBinary(kwargs map[string]any) map[string]any {
	for k, v := range kwargs {
		wrapper, ok := v.(map[string]any)
		if !ok || len(wrapper) != 1 {
			continue
		}
		encoded, ok := wrapper[bytesKey].(string)
		if !ok {
			continue
		}
		if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil {
			kwargs[k] = raw
		}
	}
	return kwargs
}
