package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"autonomy/internal/logging"
)

// followFile tails a log file to w, picking up appended data as the
// watcher reports writes. The file may not exist yet; creation inside
// the watched directory starts the tail.
func followFile(ctx context.Context, path string, w io.Writer) {
	log := logging.Get(logging.CategoryBoot)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error("follow: cannot create watcher: %v", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		log.Error("follow: cannot watch %s: %v", dir, err)
		return
	}

	var f *os.File
	var offset int64
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	drain := func() {
		if f == nil {
			opened, err := os.Open(path)
			if err != nil {
				return
			}
			f = opened
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return
		}
		n, _ := io.Copy(w, f)
		offset += n
	}
	drain()

	// Some writers replace the file instead of appending; a shrink means
	// start over from the beginning.
	reset := func() {
		if f != nil {
			f.Close()
			f = nil
		}
		offset = 0
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name != path {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				reset()
			case ev.Op.Has(fsnotify.Create):
				reset()
				drain()
			case ev.Op.Has(fsnotify.Write):
				if info, err := os.Stat(path); err == nil && info.Size() < offset {
					reset()
				}
				drain()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("follow: watcher error: %v", err)
		case <-time.After(2 * time.Second):
			// Poll as a fallback for filesystems with unreliable events.
			drain()
		}
	}
}
