package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doorrelay/internal/config"
	"doorrelay/internal/model"
)

type nopUnlocker struct{}

func (nopUnlocker) UnlockByName(_ context.Context, door, _ string) model.UnlockOutcome {
	return model.UnlockOutcome{Door: door, Success: true}
}

func TestRelayReloadRebuildsEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doorrelay.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write("unlock_rules:\n  default:\n    unlock: [Lobby]\n")
	mgr, err := config.NewManager(path)
	require.NoError(t, err)

	r, err := newRelay(mgr, nil, nopUnlocker{}, nil)
	require.NoError(t, err)
	first := r.Engine()
	require.NotNil(t, first)
	assert.Equal(t, []string{"Lobby"}, first.UnlockRules().Defaults())

	require.NoError(t, first.HandleEvent(context.Background(), "test", map[string]any{
		"event": "access.door.unlock",
		"data":  map[string]any{"location": map[string]any{"name": "Front Door"}},
	}))
	assert.EqualValues(t, 1, first.Stats().EventsReceived)

	write("unlock_rules:\n  rules:\n    - group: staff\n      trigger: Front Door\n      unlock: [Suite 100]\n")
	require.NoError(t, r.Reload())
	second := r.Engine()
	assert.NotSame(t, first, second)
	assert.Len(t, second.UnlockRules().Entries(), 1)
	assert.Empty(t, second.UnlockRules().Defaults())
	assert.Zero(t, second.Stats().EventsReceived)

	write("unlock_rules:\n  rules:\n    - group: staff\n")
	assert.Error(t, r.Reload())
	assert.Same(t, second, r.Engine())
	assert.Zero(t, r.shutdown())
}
