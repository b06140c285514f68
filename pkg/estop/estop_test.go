package estop

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"riderpi/pkg/logger"
)

func waitChange(t *testing.T, g *Gate, want bool) {
	t.Helper()
	select {
	case got := <-g.Changes():
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("no estop change to %v", want)
	}
}

func TestGateFollowsFlagFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flag := filepath.Join(t.TempDir(), "run", "estop.flag")
	g, err := Watch(ctx, flag, logger.Discard())
	require.NoError(t, err)
	defer g.Close()

	require.False(t, g.Engaged())

	require.NoError(t, Engage(flag))
	waitChange(t, g, true)
	require.True(t, g.Engaged())
	require.True(t, IsEngaged(flag))

	require.NoError(t, Release(flag))
	waitChange(t, g, false)
	require.False(t, g.Engaged())
}

func TestGateStartsEngagedWhenFlagExists(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "estop.flag")
	require.NoError(t, Engage(flag))

	g, err := Watch(context.Background(), flag, logger.Discard())
	require.NoError(t, err)
	defer g.Close()

	require.True(t, g.Engaged())
}

func TestReleaseAbsentFlag(t *testing.T) {
	require.NoError(t, Release(filepath.Join(t.TempDir(), "missing")))
}

func TestNilGate(t *testing.T) {
	var g *Gate
	require.False(t, g.Engaged())
	require.Nil(t, g.Changes())
	require.NoError(t, g.Close())
	require.False(t, IsEngaged(""))
}

func TestWatchRejectsEmptyPath(t *testing.T) {
	_, err := Watch(context.Background(), "", nil)
	require.Error(t, err)
}
