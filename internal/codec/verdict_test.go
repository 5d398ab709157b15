package codec

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"Go2NetDPI/internal/model"
)

func sample() model.Verdict {
	return model.Verdict{
		Context: 1,
		FiveTuple: model.FiveTuple{
			LowerIP: net.IPv4(1, 2, 3, 4), UpperIP: net.IPv4(5, 6, 7, 8),
			LowerPort: 1000, UpperPort: 443, Protocol: 6,
		},
		FirstSeen:   time.Date(2024, 5, 1, 12, 0, 0, 250_000_000, time.UTC),
		LastSeen:    time.Date(2024, 5, 1, 12, 0, 3, 0, time.UTC),
		PacketCount: 11,
		ByteCount:   4200,
		Protocol:    model.ProtocolSSL,
		Completed:   true,
		Engine:      "signature",
	}
}

func TestVerdictStruct(t *testing.T) {
	s, err := VerdictToStruct(sample())
	require.NoError(t, err)
	assert.Equal(t, "SSL", s.Fields["protocol"].GetStringValue())
	assert.Equal(t, "2024-05-01T12:00:00.250Z", s.Fields["first_seen"].GetStringValue())

	got, err := VerdictFromStruct(s)
	require.NoError(t, err)
	want := sample()
	assert.True(t, want.FiveTuple.LowerIP.Equal(got.FiveTuple.LowerIP))
	assert.Equal(t, want.FiveTuple.UpperPort, got.FiveTuple.UpperPort)
	assert.Equal(t, want.Protocol, got.Protocol)
	assert.Equal(t, want.PacketCount, got.PacketCount)
	assert.True(t, want.FirstSeen.Equal(got.FirstSeen))
	assert.True(t, want.LastSeen.Equal(got.LastSeen))
	assert.True(t, got.Completed)
	assert.Equal(t, "signature", got.Engine)
}

func TestVerdictFromStruct_MissingField(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"lower_ip": "1.2.3.4"})
	require.NoError(t, err)
	_, err = VerdictFromStruct(s)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestMarshalVerdicts(t *testing.T) {
	raw, err := MarshalVerdicts([]model.Verdict{sample()})
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "1.2.3.4", decoded[0]["lower_ip"])
	assert.EqualValues(t, 4200, decoded[0]["bytes"])

	raw, err = MarshalVerdicts(nil)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(raw))
}
