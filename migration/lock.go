package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TODO: the lock only guards runs sharing a filesystem. A lock document
// in the state collection would also cover hosts with separate checkouts
// of the migrations directory.

// LockFile is the name of the lock file inside the migrations directory.
const LockFile = ".docmigrate.lock"

// LockTimeoutEnv overrides the default stale timeout.
const LockTimeoutEnv = "DOCMIGRATE_LOCK_TIMEOUT"

// LockMetadata describes the holder of the migrations lock.
type LockMetadata struct {
	ID        string    `json:"id"`
	Holder    string    `json:"holder"`
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// Lock is a file lock on a migrations directory.
type Lock struct {
	path         string
	staleTimeout time.Duration
	maxRetries   int
	retryBackoff time.Duration
	logger       *zap.Logger
	metadata     *LockMetadata
}

// NewLock creates a lock for dir. A zero timeout is read from
// DOCMIGRATE_LOCK_TIMEOUT, defaulting to one hour.
func NewLock(dir string, timeout time.Duration, logger *zap.Logger) (*Lock, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory path cannot be empty")
	}
	if timeout == 0 {
		var err error
		timeout, err = parseLockTimeout()
		if err != nil {
			return nil, fmt.Errorf("failed to parse lock timeout: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lock{
		path:         filepath.Join(dir, LockFile),
		staleTimeout: timeout,
		logger:       logger,
	}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// SetRetry configures retries of a contended acquisition. The backoff
// doubles on every attempt.
func (l *Lock) SetRetry(maxRetries int, backoff time.Duration) error {
	if maxRetries < 0 {
		return fmt.Errorf("maxRetries cannot be negative")
	}
	if maxRetries > 10 {
		return fmt.Errorf("maxRetries cannot exceed 10")
	}
	if backoff < 0 {
		return fmt.Errorf("backoff cannot be negative")
	}
	if backoff > time.Minute {
		return fmt.Errorf("backoff cannot exceed 1 minute")
	}
	l.maxRetries = maxRetries
	l.retryBackoff = backoff
	return nil
}

// Acquire takes the lock. Stale locks are removed; a lock held by
// someone else is retried as configured by SetRetry.
func (l *Lock) Acquire(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	if user == "" {
		user = "unknown"
	}
	l.metadata = &LockMetadata{
		ID:       uuid.NewString(),
		Holder:   user,
		Hostname: hostname,
		PID:      os.Getpid(),
	}

	for attempt := 0; ; attempt++ {
		held, err := l.tryCreate()
		if err != nil {
			return err
		}
		if !held {
			return nil
		}

		if l.isStale() {
			if err := l.cleanupStale(); err != nil {
				return fmt.Errorf("failed to cleanup stale lock: %w", err)
			}
			continue
		}

		metadata, _ := l.readMetadata()
		if attempt >= l.maxRetries {
			return conflictError(metadata)
		}

		backoff := l.retryBackoff * time.Duration(1<<uint(attempt))
		if backoff > time.Minute {
			backoff = time.Minute
		}
		l.logger.Warn("migrations lock is held, retrying",
			zap.String("holder", metadata.Holder),
			zap.String("hostname", metadata.Hostname),
			zap.Int("pid", metadata.PID),
			zap.Duration("backoff", backoff),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", l.maxRetries))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// tryCreate creates the lock file exclusively. It reports whether the
// file already existed.
func (l *Lock) tryCreate() (bool, error) {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer file.Close()

	l.metadata.Timestamp = time.Now()
	data, err := json.MarshalIndent(l.metadata, "", "  ")
	if err != nil {
		os.Remove(l.path)
		return false, fmt.Errorf("failed to marshal lock metadata: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		os.Remove(l.path)
		return false, fmt.Errorf("failed to write lock metadata: %w", err)
	}
	return false, nil
}

// Release removes the lock file when it is still ours.
func (l *Lock) Release() error {
	if l.metadata != nil {
		if current, err := l.readMetadata(); err == nil && current.ID != l.metadata.ID {
			return fmt.Errorf("lock is now held by %s@%s (PID %d), not releasing",
				current.Holder, current.Hostname, current.PID)
		}
	}
	return l.remove()
}

func (l *Lock) remove() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ForceUnlock removes a lock left behind by a dead process on this host.
func (l *Lock) ForceUnlock() error {
	metadata, err := l.readMetadata()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		l.logger.Warn("forcing unlock without metadata validation", zap.Error(err))
		return l.remove()
	}

	current, _ := os.Hostname()
	if current != "" && metadata.Hostname != "" && current != metadata.Hostname {
		return fmt.Errorf("cannot force unlock: lock held on different host (%s), current host is %s",
			metadata.Hostname, current)
	}
	if isProcessActive(metadata.PID) {
		return fmt.Errorf("cannot force unlock: process %d appears to be active on this host", metadata.PID)
	}

	l.logger.Warn("force unlocking migrations lock",
		zap.String("holder", metadata.Holder),
		zap.String("hostname", metadata.Hostname),
		zap.Int("pid", metadata.PID))
	return l.remove()
}

func (l *Lock) isStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > l.staleTimeout
}

func (l *Lock) cleanupStale() error {
	fields := []zap.Field{zap.Duration("stale_timeout", l.staleTimeout)}
	if metadata, err := l.readMetadata(); err == nil {
		fields = append(fields, zap.String("holder", metadata.Holder), zap.String("hostname", metadata.Hostname))
	}
	l.logger.Warn("cleaning up stale migrations lock", fields...)
	return l.remove()
}

func (l *Lock) readMetadata() (*LockMetadata, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return &LockMetadata{}, err
	}
	var metadata LockMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return &LockMetadata{}, fmt.Errorf("failed to unmarshal lock metadata: %w", err)
	}
	return &metadata, nil
}

func conflictError(metadata *LockMetadata) error {
	age := time.Since(metadata.Timestamp)
	return fmt.Errorf("migrations lock is held by %s@%s (PID %d) since %s ago. "+
		"Wait for the migration to complete or use force unlock if the process is stuck",
		metadata.Holder, metadata.Hostname, metadata.PID, age.Round(time.Second))
}

func parseLockTimeout() (time.Duration, error) {
	env := os.Getenv(LockTimeoutEnv)
	if env == "" {
		return time.Hour, nil
	}
	timeout, err := time.ParseDuration(env)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value '%s': %w", LockTimeoutEnv, env, err)
	}
	if timeout <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", LockTimeoutEnv, timeout)
	}
	return timeout, nil
}

// isProcessActive is a best effort check, exact on Unix only.
func isProcessActive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
