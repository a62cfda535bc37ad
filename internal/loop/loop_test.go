package loop

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func startLoop(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
}

func TestPostRunsOnLoopAndAfterEach(t *testing.T) {
	l := New()
	var (
		order []string
		iters int
	)
	l.AfterEach(func() { iters++ })
	finished := make(chan []string, 1)
	startLoop(t, l)
	l.Post(func() { order = append(order, "a") })
	l.Post(func() { order = append(order, "b") })
	l.Post(func() { finished <- append([]string(nil), order...) })
	select {
	case got := <-finished:
		if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
			t.Fatalf("order mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for posts")
	}
	check := make(chan int, 1)
	l.Post(func() { check <- iters })
	if got := <-check; got < 3 {
		t.Fatalf("expected AfterEach after every iteration, got %d", got)
	}
}

func TestAfterFuncAndCancel(t *testing.T) {
	l := New()
	fired := make(chan string, 2)
	var cancelled *Timer
	l.AfterFunc(10*time.Millisecond, func() { fired <- "kept" })
	cancelled = l.AfterFunc(5*time.Millisecond, func() { fired <- "cancelled" })
	cancelled.Cancel()
	startLoop(t, l)
	select {
	case got := <-fired:
		if got != "kept" {
			t.Fatalf("unexpected timer %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}
	select {
	case got := <-fired:
		t.Fatalf("unexpected second timer %q", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestDeadlineWakesLoop(t *testing.T) {
	l := New()
	when := time.Now().Add(20 * time.Millisecond)
	woke := make(chan struct{})
	done := false
	l.AddDeadline(func() (time.Time, bool) { return when, !done })
	l.AfterEach(func() {
		if !done && !time.Now().Before(when) {
			done = true
			close(woke)
		}
	})
	startLoop(t, l)
	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatalf("deadline did not wake the loop")
	}
}

func TestReadPostsChunksThenDone(t *testing.T) {
	l := New()
	startLoop(t, l)
	var got strings.Builder
	result := make(chan error, 1)
	l.Read(strings.NewReader("hello world"), func(p []byte) { got.Write(p) }, func(err error) { result <- err })
	select {
	case err := <-result:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not finish")
	}
	text := make(chan string, 1)
	l.Post(func() { text <- got.String() })
	if s := <-text; s != "hello world" {
		t.Fatalf("unexpected data %q", s)
	}
}

func TestPostAfterStop(t *testing.T) {
	l := New()
	ran := make(chan error, 1)
	go func() { ran <- l.Run(context.Background()) }()
	l.Stop()
	if err := <-ran; err != nil {
		t.Fatalf("run: %v", err)
	}
	if l.Post(func() {}) {
		t.Fatalf("expected post to fail after stop")
	}
	if err := l.Run(context.Background()); err == nil {
		t.Fatalf("expected second run to fail")
	}
}
