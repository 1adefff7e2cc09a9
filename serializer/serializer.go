// SPDX-License-Identifier: MIT

// Package serializer converts bus envelopes to and from transport payloads.
// The codec in use is identified in message metadata so that mixed fleets
// can interoperate.
package serializer

import (
	"fmt"
	"sync"

	"github.com/lightbus/lightbus/message"
)

// Serializer encodes and decodes the three envelope types. Implementations
// must be safe for concurrent use.
type Serializer interface {
	// ContentType is the codec identifier carried in metadata ("json", ...).
	ContentType() string

	EncodeRpc(*message.RpcMessage) ([]byte, error)
	DecodeRpc([]byte) (*message.RpcMessage, error)

	EncodeResult(*message.ResultMessage) ([]byte, error)
	DecodeResult([]byte) (*message.ResultMessage, error)

	EncodeEvent(*message.EventMessage) ([]byte, error)
	DecodeEvent([]byte) (*message.EventMessage, error)
}

// Registry maps codec identifiers to serializers. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	mu         sync.RWMutex
	byCodec    map[string]Serializer
	defaultSer Serializer
}

// NewRegistry returns a registry with the JSON codec registered as default.
func NewRegistry() *Registry {
	r := &Registry{byCodec: map[string]Serializer{}}
	js := NewJSON()
	r.Register(js)
	r.defaultSer = js
	return r
}

// Register adds a serializer under its content type, replacing any
// previous registration.
func (r *Registry) Register(s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCodec[s.ContentType()] = s
}

// Default returns the serializer used when metadata names no codec.
func (r *Registry) Default() Serializer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultSer
}

// For resolves the serializer for the codec named in metadata. An empty
// codec resolves to the default; an unknown codec is an error.
func (r *Registry) For(metadata map[string]string) (Serializer, error) {
	codec := metadata[message.MetaCodec]
	if codec == "" {
		return r.Default(), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCodec[codec]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
	return s, nil
}
