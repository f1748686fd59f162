package p2p

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashd-social/bytecave-relay/core/relay"
)

func TestEncodeDecodeMessage(t *testing.T) {
	b, err := EncodeMessage(MessageType(relay.MsgTypeStorageRequest), relay.StorageRequest{
		RequestID:   "req-1",
		Data:        "aGVsbG8=",
		ContentType: "application/octet-stream",
	})
	require.NoError(t, err)

	msg, err := DecodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, MessageType(relay.MsgTypeStorageRequest), msg.Type)

	var req relay.StorageRequest
	require.NoError(t, json.Unmarshal(msg.Data, &req))
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, "aGVsbG8=", req.Data)
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte("not json\n"))
	assert.Error(t, err)

	_, err = DecodeMessage([]byte(`{"data":{}}`))
	assert.Error(t, err, "missing type tag")
}

func TestDirectoryFrame(t *testing.T) {
	payload := []byte(`{"peers":[{"peerId":"12D3KooW","multiaddrs":["/ip4/10.0.0.1/tcp/4001"],"lastSeen":1700000000000}],"timestamp":1700000000001}`)

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, payload))

	// 4-byte big-endian byte count, then the JSON body.
	raw := buf.Bytes()
	require.Greater(t, len(raw), 4)
	assert.Equal(t, []byte{0, 0, 0, byte(len(payload))}, raw[:4])

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDirectoryFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := readFrame(&buf)
	assert.Error(t, err)
}
