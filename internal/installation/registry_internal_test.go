package installation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_CancelledWaiterReleases(t *testing.T) {
	r := NewRegistry(Deps{})

	unlock, err := r.lock(context.Background(), "inst-a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.lock(ctx, "inst-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	require.Eventually(t, func() bool { return r.active() == 0 }, time.Second, 5*time.Millisecond)

	unlock, err = r.lock(context.Background(), "inst-a")
	require.NoError(t, err)
	unlock()
}

func TestLock_DistinctInstallationsDoNotBlock(t *testing.T) {
	r := NewRegistry(Deps{})

	a, err := r.lock(context.Background(), "inst-a")
	require.NoError(t, err)
	defer a()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := r.lock(ctx, "inst-b")
	require.NoError(t, err)
	b()
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("inst_A-1"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("a:b"))
	assert.False(t, ValidID("a/b"))
}
