// Package client runs worker code: long-lived run funcs plus the
// per-thread message handler pool with global capacity.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/smturtle2/easierlit-sub000/internal/app"
	"github.com/smturtle2/easierlit-sub000/internal/models"
)

var (
	// ErrWorkerAlreadyRunning reports a second Run on one client.
	ErrWorkerAlreadyRunning = errors.New("client: workers already running")
	// ErrRunFuncFailed wraps a run func's terminal error.
	ErrRunFuncFailed = errors.New("client: run func failed")
	// ErrStopTimeout reports workers still alive when Stop gave up.
	ErrStopTimeout = errors.New("client: stop timed out")
)

// crashNotice is sent to the failing thread before shutdown.
const crashNotice = "Internal worker error detected. Server is shutting down.\nReason: %s"

// RunFunc is a long-lived worker; returning a non-nil error is fatal
// for the whole client.
type RunFunc func(ctx context.Context, a *app.App) error

// MessageHandler processes one inbound message. Handlers for the same
// thread run serially; an error is fatal for the whole client.
type MessageHandler func(ctx context.Context, a *app.App, msg *models.IncomingMessage) error

// Opts configures New.
type Opts struct {
	// Handler receives dispatched messages. Optional; without one,
	// inbound traffic is read through App.Recv instead.
	Handler MessageHandler
	// RunFuncs start as goroutines when Run is called.
	RunFuncs []RunFunc
	// MaxMessageWorkers caps concurrently handled threads. Required
	// when Handler is set.
	MaxMessageWorkers int
}

type threadState struct {
	active  bool
	pending []*models.IncomingMessage
}

// Client owns the worker goroutines and the incoming dispatcher. One
// thread has at most one active handler; the pool as a whole admits
// MaxMessageWorkers threads, and a saturated pool blocks Dispatch
// callers, which is the backpressure transports rely on.
type Client struct {
	handler  MessageHandler
	runFuncs []RunFunc
	sem      chan struct{}

	mu      sync.Mutex
	threads map[string]*threadState
	app     *app.App
	running bool

	wg sync.WaitGroup

	failOnce     sync.Once
	workerErr    error
	crashMu      sync.Mutex
	crashHandler func(error)

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Client.
func New(opts Opts) (*Client, error) {
	if opts.Handler != nil && opts.MaxMessageWorkers < 1 {
		return nil, fmt.Errorf("client: max message workers must be positive, got %d", opts.MaxMessageWorkers)
	}
	workers := opts.MaxMessageWorkers
	if workers < 1 {
		workers = 1
	}
	return &Client{
		handler:  opts.Handler,
		runFuncs: opts.RunFuncs,
		sem:      make(chan struct{}, workers),
		threads:  make(map[string]*threadState),
	}, nil
}

// Run binds the client to an app and starts its run funcs. Re-entry
// returns ErrWorkerAlreadyRunning.
func (c *Client) Run(a *app.App) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrWorkerAlreadyRunning
	}
	c.running = true
	c.app = a
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if c.handler != nil {
		a.Registry().BindIncoming(c)
	}
	for i, fn := range c.runFuncs {
		c.wg.Add(1)
		go func(idx int, fn RunFunc) {
			defer c.wg.Done()
			if err := fn(c.ctx, a); err != nil {
				c.fail("", fmt.Errorf("%w: run func %d: %v", ErrRunFuncFailed, idx, err))
			}
		}(i, fn)
	}
	return nil
}

// Dispatch implements the registry's incoming handler: enqueue when the
// thread is already being served, otherwise claim a pool slot (blocking
// while the pool is full) and start a runner for the thread.
func (c *Client) Dispatch(ctx context.Context, msg *models.IncomingMessage) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("client: not running")
	}
	st := c.threads[msg.ThreadID]
	if st == nil {
		st = &threadState{}
		c.threads[msg.ThreadID] = st
	}
	if st.active {
		st.pending = append(st.pending, msg)
		c.mu.Unlock()
		return nil
	}
	st.active = true
	c.mu.Unlock()

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		c.mu.Lock()
		st.active = false
		c.mu.Unlock()
		return ctx.Err()
	}

	c.wg.Add(1)
	go c.runThread(msg.ThreadID, msg)
	return nil
}

// runThread serially drains one thread's messages, holding its pool
// slot until the queue is empty.
func (c *Client) runThread(threadID string, first *models.IncomingMessage) {
	defer c.wg.Done()
	defer func() { <-c.sem }()

	msg := first
	for {
		if err := c.handleOne(threadID, msg); err != nil {
			c.notifyThread(threadID, err)
			c.fail(threadID, err)
			c.mu.Lock()
			delete(c.threads, threadID)
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		st := c.threads[threadID]
		if st == nil || len(st.pending) == 0 {
			delete(c.threads, threadID)
			c.mu.Unlock()
			return
		}
		msg = st.pending[0]
		st.pending = st.pending[1:]
		c.mu.Unlock()
	}
}

func (c *Client) handleOne(threadID string, msg *models.IncomingMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("client: handler panic on thread %s: %v", threadID, r)
		}
	}()
	c.app.StartThreadTask(c.ctx, threadID)
	defer c.app.EndThreadTask(c.ctx, threadID)
	return c.handler(c.ctx, c.app, msg)
}

// notifyThread tells the failing conversation why the server is going
// down. Best effort; the queue may already be closing.
func (c *Client) notifyThread(threadID string, err error) {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	reason := lines[len(lines)-1]
	if _, sendErr := c.app.AddMessage(threadID, fmt.Sprintf(crashNotice, reason), app.SendOpts{}); sendErr != nil {
		log.Printf("client: crash notice for %s: %v", threadID, sendErr)
	}
}

// fail records the first worker error, fires the crash handler once and
// starts shutdown by closing the app.
func (c *Client) fail(threadID string, err error) {
	c.failOnce.Do(func() {
		if threadID != "" {
			log.Printf("client: worker error on thread %s: %v", threadID, err)
		} else {
			log.Printf("client: worker error: %v", err)
		}
		c.mu.Lock()
		c.workerErr = err
		c.mu.Unlock()

		c.crashMu.Lock()
		handler := c.crashHandler
		c.crashMu.Unlock()
		if handler != nil {
			handler(err)
		}
		c.cancel()
		c.app.Close()
	})
}

// PeekWorkerError returns the first recorded worker error, if any.
func (c *Client) PeekWorkerError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerErr
}

// SetWorkerCrashHandler installs the callback fired once on the first
// worker error, before the app is closed.
func (c *Client) SetWorkerCrashHandler(fn func(error)) {
	c.crashMu.Lock()
	c.crashHandler = fn
	c.crashMu.Unlock()
}

// Stop closes the app, waits up to timeout for workers to finish, and
// returns the first worker error if one occurred.
func (c *Client) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	a := c.app
	c.mu.Unlock()

	a.Close()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return ErrStopTimeout
	}

	c.mu.Lock()
	c.running = false
	err := c.workerErr
	c.mu.Unlock()
	return err
}
