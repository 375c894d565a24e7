package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		want        Mode
		expectError bool
	}{
		{name: "normal", input: "xsalsa20_poly1305", want: ModeNormal},
		{name: "suffix", input: "xsalsa20_poly1305_suffix", want: ModeSuffix},
		{name: "lite", input: "xsalsa20_poly1305_lite", want: ModeLite},
		{name: "aead variant not supported", input: "aead_aes256_gcm", expectError: true},
		{name: "empty", input: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := ParseMode(tt.input)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrUnknownMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, mode)
			assert.Equal(t, tt.input, mode.String())
		})
	}
}

func TestSelectModePrefersStrongestNonce(t *testing.T) {
	mode, err := SelectMode([]string{
		"xsalsa20_poly1305",
		"xsalsa20_poly1305_suffix",
		"xsalsa20_poly1305_lite",
	})
	require.NoError(t, err)
	assert.Equal(t, ModeSuffix, mode)

	mode, err = SelectMode([]string{"xsalsa20_poly1305", "xsalsa20_poly1305_lite"})
	require.NoError(t, err)
	assert.Equal(t, ModeLite, mode)
}

func TestSelectModeIgnoresUnknownEntries(t *testing.T) {
	mode, err := SelectMode([]string{"aead_xchacha20_poly1305_rtpsize", "xsalsa20_poly1305"})
	require.NoError(t, err)
	assert.Equal(t, ModeNormal, mode)

	_, err = SelectMode([]string{"aead_aes256_gcm"})
	assert.Error(t, err)
}

func TestModeOverhead(t *testing.T) {
	assert.Equal(t, TagSize, ModeNormal.Overhead())
	assert.Equal(t, TagSize+NonceSize, ModeSuffix.Overhead())
	assert.Equal(t, TagSize+4, ModeLite.Overhead())
}
