package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318/"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme(" collector:4318 "))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestEnvironmentIsNormalised(t *testing.T) {
	t.Cleanup(func() { setEnvironment("") })
	setEnvironment("  PAPER ")
	require.Equal(t, "paper", Environment())
	setEnvironment("")
	require.Equal(t, defaultEnvironment, Environment())
}

func TestDisabledProviderSetsEnvironment(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Environment: "Staging"})
	require.NoError(t, err)
	require.Equal(t, "staging", Environment())
	require.NotNil(t, p.Meter("test"))
	require.NoError(t, p.Shutdown(context.Background()))

	_, err = NewProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.Equal(t, "dev", Environment())
}
