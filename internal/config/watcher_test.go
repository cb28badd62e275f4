package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherEmitsOnlyValidChanges(t *testing.T) {
	path := writeConfig(t, sample)
	w, err := NewWatcher(path, time.Hour)
	require.NoError(t, err)

	_, ok := w.Check()
	require.False(t, ok, "baseline content is not re-emitted")

	require.NoError(t, os.WriteFile(path, []byte("environment: [broken"), 0o600))
	_, ok = w.Check()
	require.False(t, ok)

	updated := replaceOnce(t, sample, `base_quantity: "1"`, `base_quantity: "3"`)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	cfg, ok := w.Check()
	require.True(t, ok)
	require.Equal(t, "3", cfg.Strategies[0].Params["base_quantity"])

	_, ok = w.Check()
	require.False(t, ok, "unchanged content")
}

func TestWatcherRunDelivers(t *testing.T) {
	path := writeConfig(t, sample)
	w, err := NewWatcher(path, 10*time.Millisecond)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	updated := replaceOnce(t, sample, "serviceName: trader-test", "serviceName: trader-next")
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	select {
	case cfg := <-w.Updates():
		require.Equal(t, "trader-next", cfg.Telemetry.ServiceName)
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}
	cancel()
	<-done
	_, open := <-w.Updates()
	require.False(t, open)
}

func TestNewWatcherRequiresPath(t *testing.T) {
	_, err := NewWatcher("  ", time.Second)
	require.Error(t, err)
}
