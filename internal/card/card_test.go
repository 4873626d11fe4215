package card

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProperties(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		n, err := Generate()
		require.NoError(t, err)
		require.Len(t, n, 16)
		assert.Equal(t, byte('4'), n[0])
		assert.True(t, Valid(n), "generated number failed Luhn check: %s", n)
		seen[n] = true
	}
	// 200 draws from a 10^14 space should not collide.
	assert.Greater(t, len(seen), 190)
}

func TestValidRejectsMalformed(t *testing.T) {
	cases := []struct {
		name   string
		number string
	}{
		{"empty", ""},
		{"too short", "4539578763621486"[:15]},
		{"too long", "45395787636214860"},
		{"non-digit", "4539x78763621486"},
		{"bad checksum", "4539578763621487"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, Valid(tc.number))
		})
	}
}

func TestValidAcceptsKnownGood(t *testing.T) {
	// Standard Visa test number.
	assert.True(t, Valid("4111111111111111"))
}

func TestMask(t *testing.T) {
	m, err := Mask("4111111111111111")
	require.NoError(t, err)
	assert.Equal(t, "**** **** **** 1111", m)

	_, err = Mask("411111111111111")
	assert.Error(t, err)
	_, err = Mask("41111111111111ab")
	assert.Error(t, err)
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("unit-test-key")
	require.NoError(t, err)

	n, err := Generate()
	require.NoError(t, err)

	enc, err := c.Encrypt(n)
	require.NoError(t, err)
	assert.NotContains(t, enc, n[12:], "ciphertext must not leak digits")

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, n, dec)

	wantMask, err := Mask(n)
	require.NoError(t, err)
	gotMask, err := Mask(dec)
	require.NoError(t, err)
	assert.Equal(t, wantMask, gotMask)
}

func TestCipherDeterministic(t *testing.T) {
	c, err := NewCipher("unit-test-key")
	require.NoError(t, err)

	a, err := c.Encrypt("4111111111111111")
	require.NoError(t, err)
	b, err := c.Encrypt("4111111111111111")
	require.NoError(t, err)
	assert.Equal(t, a, b, "same plaintext must encrypt to the same ciphertext")

	other, err := c.Encrypt("4111111111111112")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func TestCipherKeyNormalization(t *testing.T) {
	short, err := NewCipher("k")
	require.NoError(t, err)
	long, err := NewCipher(strings.Repeat("k", 64))
	require.NoError(t, err)

	encShort, err := short.Encrypt("4111111111111111")
	require.NoError(t, err)
	encLong, err := long.Encrypt("4111111111111111")
	require.NoError(t, err)
	assert.NotEqual(t, encShort, encLong)

	_, err = NewCipher("")
	assert.Error(t, err)
}
