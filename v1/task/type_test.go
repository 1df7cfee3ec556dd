package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

func TestRegistryLimits(t *testing.T) {
	_, err := NewRegistry(0)
	require.ErrorIs(t, err, latcherrors.ErrInvalidLimit)

	reg, err := NewRegistry(3)
	require.NoError(t, err)
	noop := func(context.Context, Record) error { return nil }

	require.NoError(t, reg.Register(backupTask, noop, 0))
	require.NoError(t, reg.Register(privacyTask, noop, 1))
	require.Equal(t, 3, reg.Limit(backupTask))
	require.Equal(t, 1, reg.Limit(privacyTask))
	require.Equal(t, 3, reg.Limit("unknown"), "unknown types use the default")

	require.NoError(t, reg.SetLimit(backupTask, 5))
	require.Equal(t, 5, reg.Limit(backupTask))
	_, ok := reg.Handler(backupTask)
	require.True(t, ok, "SetLimit must keep the handler")

	require.ErrorIs(t, reg.Register("", noop, 1), latcherrors.ErrInvalidTaskType)
	require.ErrorIs(t, reg.Register(themesTask, noop, -1), latcherrors.ErrInvalidLimit)
	require.ErrorIs(t, reg.SetLimit(themesTask, 0), latcherrors.ErrInvalidLimit)

	require.Equal(t, []Type{backupTask, privacyTask}, reg.Types())
}

func TestRegistryLimitOnlyType(t *testing.T) {
	reg, err := NewRegistry(1)
	require.NoError(t, err)
	require.NoError(t, reg.SetLimit(themesTask, 2))
	_, ok := reg.Handler(themesTask)
	require.False(t, ok)
	require.Equal(t, 2, reg.Limit(themesTask))

	noop := func(context.Context, Record) error { return nil }
	require.NoError(t, reg.Register(themesTask, noop, 0))
	require.Equal(t, 2, reg.Limit(themesTask), "registering keeps the configured limit")
	require.NoError(t, reg.Register(themesTask, noop, 4))
	require.Equal(t, 4, reg.Limit(themesTask))
}
