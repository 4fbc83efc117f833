package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkChannelId(t *testing.T) {
	require.Equal(t, int64(-1000000001234), MarkChannelId(1234))
	require.Equal(t, int64(-1000000000001), MarkChannelId(1))
}

func TestUnmarkChannelId(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		for _, raw := range []int64{1, 42, 987654321, 999999999999} {
			raw2, ok := UnmarkChannelId(MarkChannelId(raw))
			require.True(t, ok)
			require.Equal(t, raw, raw2)
		}
	})

	t.Run("rejects ids outside the marked range", func(t *testing.T) {
		for _, id := range []int64{0, 1234, -1234, -1000000000000} {
			_, ok := UnmarkChannelId(id)
			require.False(t, ok)
		}
	})
}

func TestIsMarkedChannelId(t *testing.T) {
	require.True(t, IsMarkedChannelId(-1000000001234))
	require.False(t, IsMarkedChannelId(-999999999999))
	require.False(t, IsMarkedChannelId(1234))
}
