// Package loop runs the single goroutine that owns a client: its scheduler, its
// host session and any proxy negotiation in flight. Other goroutines never touch
// that state; they hand closures to the loop with Post.
package loop

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"pkt.systems/pslog"
)

const (
	postBuffer = 64
	readChunk  = 4096
)

// DeadlineFunc reports the next instant the loop must wake up at, if any.
type DeadlineFunc func() (time.Time, bool)

// Option customizes a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger pslog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.log = logger
		}
	}
}

// WithClock replaces time.Now for timer bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// Timer is a one-shot callback scheduled on the loop.
type Timer struct {
	when      time.Time
	fn        func()
	cancelled bool
}

// Cancel stops the timer. It must be called on the loop goroutine.
func (t *Timer) Cancel() {
	if t != nil {
		t.cancelled = true
	}
}

// Loop is a select loop over posted closures and timers.
type Loop struct {
	posts    chan func()
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	runOnce  sync.Once

	log       pslog.Logger
	now       func() time.Time
	timers    []*Timer
	deadlines []DeadlineFunc
	each      []func()
}

// New returns a loop that is not yet running.
func New(opts ...Option) *Loop {
	l := &Loop{
		posts:   make(chan func(), postBuffer),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     pslog.Ctx(context.Background()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post queues fn to run on the loop goroutine. It returns false once the loop
// has stopped; fn is then dropped. Post must not be called from the loop
// goroutine while the post buffer may be full.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.posts <- fn:
		return true
	case <-l.stopped:
		return false
	}
}

// Stop asks Run to return. Safe from any goroutine.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

// AfterEach registers fn to run after every loop iteration. Register before Run.
func (l *Loop) AfterEach(fn func()) {
	l.each = append(l.each, fn)
}

// AddDeadline registers a wake-up source. Register before Run.
func (l *Loop) AddDeadline(fn DeadlineFunc) {
	l.deadlines = append(l.deadlines, fn)
}

// AfterFunc schedules fn to run on the loop after d. Call it on the loop
// goroutine or before Run.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{when: l.now().Add(d), fn: fn}
	l.timers = append(l.timers, t)
	return t
}

// Read starts a goroutine that reads r in chunks and posts each chunk to data on
// the loop goroutine. When reading fails, done is posted once with the error
// (io.EOF for a clean close).
func (l *Loop) Read(r io.Reader, data func([]byte), done func(error)) {
	go func() {
		buf := make([]byte, readChunk)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if !l.Post(func() { data(chunk) }) {
					return
				}
			}
			if err != nil {
				l.Post(func() { done(err) })
				return
			}
		}
	}()
}

// Run executes posted closures and timers until ctx is done or Stop is called.
// It may only be called once.
func (l *Loop) Run(ctx context.Context) error {
	err := errors.New("loop already ran")
	l.runOnce.Do(func() {
		err = l.run(ctx)
	})
	return err
}

func (l *Loop) run(ctx context.Context) error {
	defer close(l.stopped)
	l.log.Debug("loop start")
	wake := time.NewTimer(time.Hour)
	wake.Stop()
	defer wake.Stop()
	for {
		l.fireTimers()
		for _, fn := range l.each {
			fn()
		}
		var wakeC <-chan time.Time
		if when, ok := l.next(); ok {
			d := when.Sub(l.now())
			if d < 0 {
				d = 0
			}
			wake.Reset(d)
			wakeC = wake.C
		}
		select {
		case <-ctx.Done():
			l.log.Debug("loop stop", "reason", "context")
			return nil
		case <-l.stop:
			l.log.Debug("loop stop", "reason", "stop")
			return nil
		case fn := <-l.posts:
			fn()
		case <-wakeC:
		}
		wake.Stop()
	}
}

func (l *Loop) fireTimers() {
	now := l.now()
	var due []*Timer
	kept := l.timers[:0]
	for _, t := range l.timers {
		switch {
		case t.cancelled:
		case !now.Before(t.when):
			due = append(due, t)
		default:
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(l.timers); i++ {
		l.timers[i] = nil
	}
	l.timers = kept
	for _, t := range due {
		if !t.cancelled {
			t.fn()
		}
	}
}

func (l *Loop) next() (time.Time, bool) {
	var (
		best time.Time
		ok   bool
	)
	consider := func(when time.Time) {
		if !ok || when.Before(best) {
			best, ok = when, true
		}
	}
	for _, t := range l.timers {
		if !t.cancelled {
			consider(t.when)
		}
	}
	for _, fn := range l.deadlines {
		if when, has := fn(); has {
			consider(when)
		}
	}
	return best, ok
}
