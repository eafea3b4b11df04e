package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"autonomy/internal/orchestrator"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: bad yaml", errConfig), exitConfig},
		{fmt.Errorf("wrapped: %w", orchestrator.ErrLoopUnresolved), exitLoop},
		{context.Canceled, exitAbort},
		{errors.New("anything else"), exitError},
	}
	for _, c := range cases {
		if got := exitCodeFor(c.err); got != c.code {
			t.Errorf("exitCodeFor(%v) = %d, want %d", c.err, got, c.code)
		}
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowFileStreamsAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.log")
	if err := os.WriteFile(path, []byte("first line\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &lockedBuffer{}
	go followFile(ctx, path, out)

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "first line") {
		if time.Now().After(deadline) {
			t.Fatalf("initial content never streamed: %q", out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("second line\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	for !strings.Contains(out.String(), "second line") {
		if time.Now().After(deadline) {
			t.Fatalf("appended content never streamed: %q", out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
