package accounts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRoster(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadRosterAndSeed(t *testing.T) {
	t.Setenv("VIDGEN_KEY_1", "secret-1")
	path := writeRoster(t, `{
		"providers": [{"id": "vidgen", "base_url": "https://api.vidgen.test", "rate_per_sec": 2, "supports_cancel": true}],
		"accounts": [
			{"id": "vg-1", "provider_id": "vidgen", "credential_env": "VIDGEN_KEY_1", "credits": 500, "max_concurrent_jobs": 2},
			{"id": "vg-own", "provider_id": "vidgen", "max_concurrent_jobs": 1, "private": true, "owner_user_id": "u1", "priority_rank": 1}
		]
	}`)

	r, err := LoadRoster(path)
	require.NoError(t, err)
	require.Len(t, r.Providers, 1)
	assert.True(t, r.Providers[0].SupportsCancel)

	ctx := context.Background()
	p := NewMemoryPool(nil, Policy{})
	n, err := r.Seed(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a, err := p.Get(ctx, "vg-1")
	require.NoError(t, err)
	assert.Equal(t, "secret-1", a.Credential)
	assert.EqualValues(t, 500, a.CreditsRemaining)

	own, err := p.Get(ctx, "vg-own")
	require.NoError(t, err)
	require.NotNil(t, own.OwnerUserID)
	assert.True(t, own.UsableBy("u1"))
	assert.False(t, own.UsableBy("u2"))
}

func TestLoadRosterValidation(t *testing.T) {
	cases := map[string]string{
		"bad url":          `{"providers": [{"id": "p", "base_url": "not a url"}]}`,
		"zero concurrency": `{"accounts": [{"id": "a", "provider_id": "p", "max_concurrent_jobs": 0}]}`,
		"private no owner": `{"accounts": [{"id": "a", "provider_id": "p", "max_concurrent_jobs": 1, "private": true}]}`,
		"malformed":        `{"accounts": [`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadRoster(writeRoster(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadRoster(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
