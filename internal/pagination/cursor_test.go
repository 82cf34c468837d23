package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_PreservesNanoseconds(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	addr := "0x00000000000000000000000000000000000000a1"

	c, err := Decode(Encode(ts, addr))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, ts.Equal(c.CreatedAt))
	assert.Equal(t, addr, c.Key)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Rejects(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	for name, in := range map[string]string{
		"not base64":   "not-base64!!!",
		"no separator": enc("nopipe"),
		"empty key":    enc("12345|"),
		"bad time":     enc("yesterday|0xabc"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestComputePage(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pos := func(s string) (time.Time, string) { return at, s }

	t.Run("short page", func(t *testing.T) {
		items, next, more := ComputePage([]string{"a", "b"}, 3, pos)
		assert.Len(t, items, 2)
		assert.Empty(t, next)
		assert.False(t, more)
	})

	t.Run("exact limit", func(t *testing.T) {
		items, next, more := ComputePage([]string{"a", "b", "c"}, 3, pos)
		assert.Len(t, items, 3)
		assert.Empty(t, next)
		assert.False(t, more)
	})

	t.Run("extra item", func(t *testing.T) {
		items, next, more := ComputePage([]string{"a", "b", "c", "d"}, 3, pos)
		assert.Equal(t, []string{"a", "b", "c"}, items)
		require.True(t, more)

		c, err := Decode(next)
		require.NoError(t, err)
		assert.Equal(t, "c", c.Key)
	})
}
