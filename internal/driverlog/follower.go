// internal/driverlog/follower.go
package driverlog

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

// Follower streams a session's driver log through a zap logger, one entry
// per line.
type Follower struct {
	path   string
	logger *zap.Logger
	// FromStart replays the lines already in the file.
	FromStart bool
	// Poll watches the file by polling instead of inotify.
	Poll bool

	mu   sync.Mutex
	t    *tail.Tail
	done chan struct{}
}

// New returns a follower for the log at path.
func New(path string, logger *zap.Logger) *Follower {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Follower{
		path:   path,
		logger: logger.Named("driver-log").With(zap.String("path", path)),
	}
}

// Start begins following the file. The file must exist. Following stops
// when ctx is done or Stop is called.
func (f *Follower) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.t != nil {
		return fmt.Errorf("already following %s", f.path)
	}

	location := &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	if f.FromStart {
		location = &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	t, err := tail.TailFile(f.path, tail.Config{
		Follow:    true,
		ReOpen:    false,
		MustExist: true,
		Poll:      f.Poll,
		Location:  location,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow driver log: %w", err)
	}
	done := make(chan struct{})
	f.t, f.done = t, done
	go f.loop(t, done)
	go func() {
		select {
		case <-ctx.Done():
			if err := f.Stop(); err != nil {
				f.logger.Debug("Driver log follower stopped with error.", zap.Error(err))
			}
		case <-done:
		}
	}()
	return nil
}

// loop drains t.Lines until the tail closes it. The tail blocks on sends, so
// the channel is always read to the end.
func (f *Follower) loop(t *tail.Tail, done chan struct{}) {
	defer close(done)
	for line := range t.Lines {
		if line.Err != nil {
			f.logger.Warn("Error reading driver log.", zap.Error(line.Err))
			continue
		}
		text := strings.TrimRight(line.Text, "\r")
		if text == "" {
			continue
		}
		f.logger.Info(text)
	}
}

// Stop ends following and waits for the reader to exit. Stopping a follower
// that never started is a no-op.
func (f *Follower) Stop() error {
	f.mu.Lock()
	t, done := f.t, f.done
	f.t, f.done = nil, nil
	f.mu.Unlock()
	if t == nil {
		return nil
	}
	err := t.Stop()
	<-done
	t.Cleanup()
	return err
}
