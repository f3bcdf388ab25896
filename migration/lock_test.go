package migration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLock(t *testing.T, dir string, timeout time.Duration) *Lock {
	t.Helper()
	lock, err := NewLock(dir, timeout, zaptest.NewLogger(t))
	require.NoError(t, err)
	return lock
}

func writeLockFile(t *testing.T, dir string, metadata LockMetadata) string {
	t.Helper()
	path := filepath.Join(dir, LockFile)
	data, err := json.Marshal(metadata)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestLockAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	lock := newTestLock(t, dir, time.Hour)
	assert.Equal(t, filepath.Join(dir, LockFile), lock.Path())

	require.NoError(t, lock.Acquire(ctx))

	info, err := os.Stat(lock.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(lock.Path())
	require.NoError(t, err)
	var metadata LockMetadata
	require.NoError(t, json.Unmarshal(data, &metadata))
	assert.NotEmpty(t, metadata.ID)
	assert.Equal(t, os.Getpid(), metadata.PID)

	require.NoError(t, lock.Release())
	_, err = os.Stat(lock.Path())
	assert.True(t, os.IsNotExist(err))

	// releasing twice is fine
	assert.NoError(t, lock.Release())
}

func TestLockConcurrency(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := NewLock(dir, time.Minute, nil)
			if err != nil {
				return
			}
			if err := lock.Acquire(ctx); err != nil {
				return
			}
			mu.Lock()
			success++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
}

func TestLockRetry(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := newTestLock(t, dir, time.Hour)
	require.NoError(t, first.Acquire(ctx))
	defer first.Release()

	second := newTestLock(t, dir, time.Hour)
	require.NoError(t, second.SetRetry(3, 20*time.Millisecond))

	start := time.Now()
	err := second.Acquire(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrations lock is held by")
	// 20ms + 40ms + 80ms
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestLockRetryCancelled(t *testing.T) {
	dir := t.TempDir()
	first := newTestLock(t, dir, time.Hour)
	require.NoError(t, first.Acquire(context.Background()))
	defer first.Release()

	second := newTestLock(t, dir, time.Hour)
	require.NoError(t, second.SetRetry(5, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, second.Acquire(ctx), context.DeadlineExceeded)
}

func TestStaleLockCleanup(t *testing.T) {
	dir := t.TempDir()
	path := writeLockFile(t, dir, LockMetadata{ID: "old", Holder: "ci", Hostname: "runner-1", PID: 1})
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))

	lock := newTestLock(t, dir, time.Hour)
	require.NoError(t, lock.Acquire(context.Background()))
	defer lock.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"old"`)
}

func TestLockReleaseKeepsForeignLock(t *testing.T) {
	dir := t.TempDir()
	lock := newTestLock(t, dir, time.Hour)
	require.NoError(t, lock.Acquire(context.Background()))

	writeLockFile(t, dir, LockMetadata{ID: "someone-else", Holder: "ci", Hostname: "runner-1", PID: 1})
	assert.Error(t, lock.Release())
	_, err := os.Stat(lock.Path())
	assert.NoError(t, err)
}

func TestForceUnlock(t *testing.T) {
	dir := t.TempDir()
	hostname, _ := os.Hostname()
	lock := newTestLock(t, dir, time.Hour)

	assert.NoError(t, lock.ForceUnlock(), "nothing to unlock")

	// held by this very process
	writeLockFile(t, dir, LockMetadata{ID: "x", Hostname: hostname, PID: os.Getpid()})
	assert.Error(t, lock.ForceUnlock())

	writeLockFile(t, dir, LockMetadata{ID: "x", Hostname: hostname + "-elsewhere", PID: 0})
	assert.Error(t, lock.ForceUnlock())

	writeLockFile(t, dir, LockMetadata{ID: "x", Hostname: hostname, PID: 0})
	require.NoError(t, lock.ForceUnlock())
	_, err := os.Stat(lock.Path())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(lock.Path(), []byte("garbage"), 0600))
	require.NoError(t, lock.ForceUnlock())
	_, err = os.Stat(lock.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestSetRetryValidation(t *testing.T) {
	lock := newTestLock(t, t.TempDir(), time.Hour)
	assert.Error(t, lock.SetRetry(-1, time.Second))
	assert.Error(t, lock.SetRetry(15, time.Second))
	assert.Error(t, lock.SetRetry(3, -time.Second))
	assert.Error(t, lock.SetRetry(3, 2*time.Minute))
	assert.NoError(t, lock.SetRetry(5, 30*time.Second))
}

func TestNewLockTimeout(t *testing.T) {
	_, err := NewLock("", time.Hour, nil)
	assert.Error(t, err)

	tests := []struct {
		env     string
		want    time.Duration
		wantErr bool
	}{
		{"", time.Hour, false},
		{"5m", 5 * time.Minute, false},
		{"invalid", 0, true},
		{"-1m", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv(LockTimeoutEnv, tt.env)
			lock, err := NewLock(t.TempDir(), 0, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, lock.staleTimeout)
		})
	}
}
