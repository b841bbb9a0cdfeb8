package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
	}{
		{"connected", Event{Kind: EventConnected, ID: 7}},
		{"accept", Event{Kind: EventAccept, ID: 1, NewID: 65537}},
		{"recv", Event{Kind: EventRecv, ID: 3, Data: []byte("hello")}},
		{"error", Event{Kind: EventError, ID: 9, Data: []byte("connection reset by peer")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.ev.Encode()
			require.Len(t, buf, eventHeaderSize+len(tt.ev.Data))
			got, err := DecodeEvent(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.ev, got)
		})
	}
}

func TestEncodeCopiesData(t *testing.T) {
	data := []byte("abc")
	buf := Event{Kind: EventRecv, ID: 1, Data: data}.Encode()
	data[0] = 'x'
	ev, err := DecodeEvent(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(ev.Data))
}

func TestDecodeEventRejectsBadPayloads(t *testing.T) {
	_, err := DecodeEvent([]byte{byte(EventRecv), 1, 0})
	assert.Error(t, err)

	bad := Event{Kind: EventError + 1}.Encode()
	_, err = DecodeEvent(bad)
	assert.Error(t, err)
}

func TestEventErr(t *testing.T) {
	assert.NoError(t, Event{Kind: EventConnected, ID: 1}.Err())
	assert.NoError(t, Event{Kind: EventRecv, Data: []byte("x")}.Err())

	err := Event{Kind: EventConnected, ID: 1, Data: []byte("connection refused")}.Err()
	var oe *OsError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "connection refused", oe.Msg)
}
