package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByteStringAllByteValues(t *testing.T) {
	raw := make([]byte, 256)
	for i := range raw {
		raw[i] = byte(i)
	}

	encoded, err := json.Marshal(ByteString(raw))
	require.NoError(t, err)

	var decoded ByteString
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, raw, []byte(decoded))
}

func TestByteStringFromNumericArray(t *testing.T) {
	var b ByteString
	require.NoError(t, json.Unmarshal([]byte(`[104, 105, 33]`), &b))
	require.Equal(t, "hi!", string(b))

	require.Error(t, json.Unmarshal([]byte(`[104, 256]`), &b))
	require.Error(t, json.Unmarshal([]byte(`[-1]`), &b))
}

func TestByteStringRejectsWideRunes(t *testing.T) {
	var b ByteString
	err := json.Unmarshal([]byte(`"漢"`), &b)
	require.Error(t, err)
}

func TestMessageWireShape(t *testing.T) {
	// A response-start frame as an agent would emit it.
	raw := `{"type":"http_response_start","id":"req-1","statusCode":200,"headers":{"content-type":"text/plain"}}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	require.Equal(t, TypeHTTPResponseStart, msg.Type)
	require.Equal(t, "req-1", msg.ID)
	require.Equal(t, 200, msg.StatusCode)
	require.Equal(t, "text/plain", msg.Headers["content-type"])
}

func TestSubdomainAssignedKeepsFalse(t *testing.T) {
	encoded, err := json.Marshal(SubdomainAssigned("chara-calm-jade-owl.tunnel.test", false))
	require.NoError(t, err)
	require.Contains(t, string(encoded), `"requested":false`)
	require.Contains(t, string(encoded), `"subdomain":"chara-calm-jade-owl.tunnel.test"`)
}

func TestBinaryDataFrameRoundTrip(t *testing.T) {
	chunk := []byte{0x00, 0xFF, 'h', 'i'}
	frame, err := EncodeBinaryData("req-42", chunk)
	require.NoError(t, err)

	id, got, err := DecodeBinaryData(frame)
	require.NoError(t, err)
	require.Equal(t, "req-42", id)
	require.Equal(t, chunk, got)
}

func TestBinaryDataFrameMalformed(t *testing.T) {
	_, _, err := DecodeBinaryData(nil)
	require.Error(t, err)

	_, _, err = DecodeBinaryData([]byte{0x02, 1, 'x'})
	require.Error(t, err)

	// Length byte promises more id bytes than the frame holds.
	_, _, err = DecodeBinaryData([]byte{BinaryDataFrame, 10, 'x'})
	require.Error(t, err)
}

func TestFirstLabel(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"alpha.tunnel.example.com", "alpha"},
		{"alpha.tunnel.example.com:443", "alpha"},
		{"ALPHA.tunnel.example.com", "alpha"},
		{"tunnel.example.com", "tunnel"},
		{"localhost:8080", "localhost"},
		{"", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, FirstLabel(tt.host), "host %q", tt.host)
	}
}

func TestStripPort(t *testing.T) {
	require.Equal(t, "tunnel.example.com", StripPort("tunnel.example.com:8080"))
	require.Equal(t, "tunnel.example.com", StripPort("tunnel.example.com"))
}
