package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tailFile sends the contents of path, then every appended chunk, until
// finished reports true and the file is drained or ctx ends. Write events
// wake the reader early; the ticker covers filesystems that drop them.
func tailFile(ctx context.Context, path string, every time.Duration, send func([]byte) error, finished func() bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch log: %w", err)
	}

	buf := make([]byte, 32*1024)
	drain := func() error {
		for {
			n, err := f.Read(buf)
			if n > 0 {
				if err := send(append([]byte(nil), buf[:n]...)); err != nil {
					return err
				}
			}
			if errors.Is(err, io.EOF) || n == 0 {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}

	if err := drain(); err != nil {
		return err
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				return drain()
			}
			if ev.Has(fsnotify.Write) {
				if err := drain(); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch log: %w", err)
		case <-ticker.C:
			done := finished()
			if err := drain(); err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}
