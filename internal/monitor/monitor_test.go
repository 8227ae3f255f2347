package monitor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSampler() *Sampler {
	return NewSampler(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSampleCurrentProcess(t *testing.T) {
	s := newSampler()

	stats, err := s.Sample(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), stats.PID)
	assert.NotZero(t, stats.RSSBytes)
	assert.GreaterOrEqual(t, stats.CPUPercent, 0.0)
	assert.False(t, stats.SampledAt.IsZero())

	// Cached within the TTL
	again, err := s.Sample(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, stats.SampledAt, again.SampledAt)

	s.Forget(os.Getpid())
	fresh, err := s.Sample(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.False(t, fresh.SampledAt.Before(stats.SampledAt))
}

func TestSampleExitedProcess(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())

	_, err := newSampler().Sample(context.Background(), cmd.Process.Pid)
	assert.Error(t, err)
}

func TestSampleInvalidPID(t *testing.T) {
	_, err := newSampler().Sample(context.Background(), 0)
	assert.Error(t, err)
}
