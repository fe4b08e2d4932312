package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
)

func TestEncodeDecodeDrawEvent_RoundTrip(t *testing.T) {
	cases := []domain.DrawEvent{
		{X: 0, Y: 0, RGB: domain.RGB{0, 0, 0}},
		{X: 1234, Y: -5678, RGB: domain.RGB{255, 128, 0}},
		{X: -1, Y: -1, RGB: domain.RGB{1, 2, 3}},
	}
	for _, e := range cases {
		buf := EncodeDrawEvent(e)
		assert.Len(t, buf, DrawEventSize)

		got, err := DecodeDrawEvent(buf)
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
}

func TestDecodeDrawEvent_WrongLength(t *testing.T) {
	_, err := DecodeDrawEvent([]byte{1, 2, 3})
	require.Error(t, err)
}
