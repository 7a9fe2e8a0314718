package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testPRG(t require.TestingT) *PRG {
	prg, err := NewPRG(
		bytes.Repeat([]byte{0x01}, PRGKeyLength),
		bytes.Repeat([]byte{0x02}, PRGIVLength),
	)
	require.NoError(t, err)

	return prg
}

func TestNewPRGInvalidParameters(t *testing.T) {
	_, err := NewPRG(make([]byte, 15), make([]byte, PRGIVLength))
	require.ErrorIs(t, err, ErrInvalidKeyLength)

	_, err = NewPRG(make([]byte, PRGKeyLength), make([]byte, 16))
	require.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestPRGDigestDeterministic(t *testing.T) {
	prg := testPRG(t)

	a := prg.Digest(0, 100)
	b := prg.Digest(0, 100)
	require.Len(t, a, 100)
	require.Equal(t, a, b)

	other := NewPRGFromSecret([]byte("another secret"))
	require.NotEqual(t, a, other.Digest(0, 100))
}

func TestPRGDigestInvalidRange(t *testing.T) {
	prg := testPRG(t)

	require.Nil(t, prg.Digest(-1, 10))
	require.Nil(t, prg.Digest(10, 5))
	require.Empty(t, prg.Digest(7, 7))
}

// TestPRGRandomAccess asserts that any sub range of the keystream matches the
// same bytes taken from one long digest, regardless of block alignment.
func TestPRGRandomAccess(t *testing.T) {
	prg := testPRG(t)
	full := prg.Digest(0, 1024)

	rapid.Check(t, func(rt *rapid.T) {
		start := rapid.IntRange(0, 1024).Draw(rt, "start")
		end := rapid.IntRange(start, 1024).Draw(rt, "end")

		require.Equal(rt, full[start:end], prg.Digest(start, end))
	})
}
