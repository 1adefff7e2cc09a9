// SPDX-License-Identifier: MIT

package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbus/lightbus/message"
)

func TestJSONRpcRoundTrip(t *testing.T) {
	js := NewJSON()
	m := message.NewRpcMessage("auth", "login", map[string]any{
		"user":  "alice",
		"count": float64(3),
		"blob":  []byte{0x00, 0xff, 0x10},
	})
	m.ReturnPath = "result:client:abc"
	m.Metadata[message.MetaCorrelationID] = "corr-1"

	data, err := js.EncodeRpc(m)
	require.NoError(t, err)

	got, err := js.DecodeRpc(data)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "auth.login", got.CanonicalName())
	assert.Equal(t, "result:client:abc", got.ReturnPath)
	assert.Equal(t, "alice", got.Kwargs["user"])
	assert.Equal(t, float64(3), got.Kwargs["count"])
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, got.Kwargs["blob"])
	assert.Equal(t, "corr-1", got.Metadata[message.MetaCorrelationID])
}

func TestJSONResultError(t *testing.T) {
	js := NewJSON()
	rpc := message.NewRpcMessage("auth", "login", nil)
	res := message.NewErrorResult(rpc, message.KindHandlerError, "nope", "")

	data, err := js.EncodeResult(res)
	require.NoError(t, err)

	got, err := js.DecodeResult(data)
	require.NoError(t, err)
	assert.Equal(t, rpc.ID, got.RpcMessageID)
	require.NotNil(t, got.Error)
	assert.Equal(t, message.KindHandlerError, got.Error.Kind)
	assert.Nil(t, got.Result)
}

func TestJSONDecodeGarbage(t *testing.T) {
	js := NewJSON()
	_, err := js.DecodeEvent([]byte("{not json"))
	assert.Error(t, err)
}

func TestRegistryResolution(t *testing.T) {
	r := NewRegistry()

	s, err := r.For(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "json", s.ContentType())

	s, err = r.For(map[string]string{message.MetaCodec: "json"})
	require.NoError(t, err)
	assert.Equal(t, "json", s.ContentType())

	_, err = r.For(map[string]string{message.MetaCodec: "msgpack"})
	assert.Error(t, err)
}
