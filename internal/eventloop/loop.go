package eventloop

import "context"

// Poster accepts work to be run on the core loop.
type Poster interface {
	Post(fn func())
}

// Loop serializes all core state mutations onto a single goroutine.
// External completions (store queries, channel requests, timers) Post
// closures instead of touching core structures directly.
type Loop struct {
	tasks  chan func()
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a loop. Start must be called before Post has any effect.
func New() *Loop {
	return &Loop{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
}

// Start begins consuming posted work on a dedicated goroutine.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go func() {
		defer close(l.done)
		for {
			select {
			case fn := <-l.tasks:
				fn()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts the loop down. Work still queued is dropped.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
}

// Post enqueues fn for execution on the loop goroutine. After Stop, the
// work is silently dropped.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Immediate is a Poster that runs work inline on the calling goroutine.
// Intended for tests, where everything already happens on one goroutine.
type Immediate struct{}

func (Immediate) Post(fn func()) { fn() }
