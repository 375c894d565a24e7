package discordvoice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/discordvoice/config"
)

func testTech(name string) Tech {
	return Tech{
		Name:        name,
		Description: "test voice technology",
		Open: func(ctx context.Context, dest Destination, creds Credentials, cfg *config.Config) (*VoiceSession, error) {
			return nil, nil
		},
	}
}

func TestRegisterTechOnce(t *testing.T) {
	t.Cleanup(func() { DeregisterTech("voicetest") })

	require.NoError(t, RegisterTech(testTech("voicetest")))

	got, ok := LookupTech("voicetest")
	require.True(t, ok)
	assert.Equal(t, "voicetest", got.Name)

	// Registration is a one-time process-wide side effect.
	assert.Error(t, RegisterTech(testTech("voicetest")))
}

func TestRegisterTechValidation(t *testing.T) {
	assert.Error(t, RegisterTech(Tech{Name: "", Open: testTech("x").Open}))
	assert.Error(t, RegisterTech(Tech{Name: "no-open"}))
}

func TestDeregisterTech(t *testing.T) {
	require.NoError(t, RegisterTech(testTech("ephemeral")))
	DeregisterTech("ephemeral")
	_, ok := LookupTech("ephemeral")
	assert.False(t, ok)
}
