// internal/runlock/runlock.go
package runlock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("run lock is held by another process")

// Lock is a process-wide named advisory mutex. It is backed by a listening
// unix socket, so the kernel releases it when the holder exits.
type Lock struct {
	name string
	mu   sync.Mutex
	ln   net.Listener
}

// Acquire takes the lock called name. When it is held elsewhere it retries
// up to attempts times in total, waiting wait between tries.
func Acquire(ctx context.Context, name string, attempts int, wait time.Duration) (*Lock, error) {
	if name == "" {
		return nil, errors.New("run lock name cannot be empty")
	}
	if attempts < 1 {
		attempts = 1
	}

	var ln net.Listener
	op := func() error {
		l, err := net.Listen("unix", socketAddress(name))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrLocked, name)
		}
		ln = l
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("acquiring run lock %s: %w", name, ctxErr)
		}
		return nil, err
	}
	return &Lock{name: name, ln: ln}, nil
}

// Name returns the lock name.
func (l *Lock) Name() string {
	return l.name
}

// Release frees the lock. Releasing twice is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}
