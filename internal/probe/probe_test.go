package probe

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetDPI/internal/codec"
	"Go2NetDPI/internal/model"
)

var _ model.VerdictSink = (*Publisher)(nil)

func TestEncodeDecodeVerdict(t *testing.T) {
	v := model.Verdict{
		Context: 2,
		FiveTuple: model.FiveTuple{
			LowerIP: net.IPv4(192, 168, 1, 10), UpperIP: net.IPv4(192, 168, 1, 53),
			LowerPort: 53, UpperPort: 40000, Protocol: 17,
		},
		FirstSeen:   time.Unix(1_700_000_000, 123_000),
		LastSeen:    time.Unix(1_700_000_000, 123_000),
		PacketCount: 1,
		ByteCount:   74,
		Protocol:    model.ProtocolDNS,
		Completed:   true,
	}

	data, err := EncodeVerdict(v)
	require.NoError(t, err)

	got, err := DecodeVerdict(data)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Context)
	assert.Equal(t, model.ProtocolDNS, got.Protocol)
	assert.Equal(t, uint16(53), got.FiveTuple.LowerPort)
	assert.Equal(t, uint8(17), got.FiveTuple.Protocol)
	assert.True(t, v.FirstSeen.Equal(got.FirstSeen))
	assert.True(t, got.FiveTuple.UpperIP.Equal(v.FiveTuple.UpperIP))
}

func TestDecodeVerdict_Garbage(t *testing.T) {
	_, err := DecodeVerdict([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	_, err = DecodeVerdict(nil)
	assert.ErrorIs(t, err, codec.ErrMissingField)
}
