package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv(envEndpoint, "")
	t.Setenv(envEnabled, "")

	shutdown, err := Setup(context.Background(), "test-service")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupNoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv(envEndpoint, "http://localhost:4318")
	t.Setenv(envEnabled, "false")

	shutdown, err := Setup(context.Background(), "test-service")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupRejectsInvalidSampleRatio(t *testing.T) {
	t.Setenv(envEndpoint, "http://192.0.2.1:4318")
	t.Setenv(envEnabled, "")
	t.Setenv(envSampleRatio, "2")

	_, err := Setup(context.Background(), "test-service")
	require.Error(t, err)
}

func TestSampleRatio(t *testing.T) {
	ratio, err := sampleRatio("")
	require.NoError(t, err)
	require.Equal(t, 1.0, ratio)

	ratio, err = sampleRatio("0.25")
	require.NoError(t, err)
	require.Equal(t, 0.25, ratio)

	_, err = sampleRatio("half")
	require.Error(t, err)
}
