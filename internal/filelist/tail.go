package filelist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrDone reports that a tail has ended. Tail itself does not return it:
// it returns the parser's Close result once the file is removed or
// renamed, and ctx.Err() when the context is canceled.
var ErrDone = errors.New("filelist: tail closed")

// Tail streams newly-appended bytes of an append-only filelist file into
// a Parser as the client writes it, watched via fsnotify the way the
// pack's fsnotify dependency is used elsewhere for file watching. Each
// batch of parsed entries is delivered on entriesCh; Tail returns when
// ctx is canceled or the file is removed/renamed (client done writing).
func Tail(ctx context.Context, path string, entriesCh chan<- []Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("filelist: open %s: %w", path, err)
	}
	defer f.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filelist: watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("filelist: watch %s: %w", path, err)
	}

	parser := New()
	drain := func() error {
		buf := make([]byte, 64*1024)
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				entries, perr := parser.Feed(buf[:n])
				if perr != nil {
					return perr
				}
				if len(entries) > 0 {
					select {
					case entriesCh <- entries:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return rerr
			}
		}
	}

	if err := drain(); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return parser.Close()
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := drain(); err != nil {
					return err
				}
				return parser.Close()
			}
			if err := drain(); err != nil {
				return err
			}
		case <-ticker.C:
			// suspension-point fallback (spec §5): poll in case the
			// watcher's inotify events were coalesced or missed.
			if err := drain(); err != nil {
				return err
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return parser.Close()
			}
			return werr
		}
	}
}
