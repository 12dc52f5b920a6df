//go:build integration

package lease

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_AcquireRelease(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	l := NewRedis(client)
	name := "test_" + time.Now().Format("150405.000000")

	release, err := l.Acquire(ctx, name, 5*time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, name, 5*time.Second)
	assert.True(t, errors.Is(err, ErrHeld))

	release()
	again, err := l.Acquire(ctx, name, 5*time.Second)
	require.NoError(t, err)
	again()
}

func TestRedis_ExpiredHolderCannotReleaseNewOwner(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	l := NewRedis(client)
	name := "test_expire_" + time.Now().Format("150405.000000")

	stale, err := l.Acquire(ctx, name, 100*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)

	owner, err := l.Acquire(ctx, name, 5*time.Second)
	require.NoError(t, err)
	defer owner()

	stale()
	_, err = l.Acquire(ctx, name, 5*time.Second)
	assert.True(t, errors.Is(err, ErrHeld))
}
