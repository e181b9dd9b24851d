// Package app is the worker-facing API: sending and editing steps,
// thread CRUD, and the incoming message queue.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smturtle2/easierlit-sub000/internal/models"
	"github.com/smturtle2/easierlit-sub000/internal/runtime"
	"github.com/smturtle2/easierlit-sub000/internal/store"
)

// ErrAppClosed reports a send or receive after Close.
var ErrAppClosed = errors.New("app: closed")

// ThoughtAuthor names the tool step used for reasoning traces.
const ThoughtAuthor = "Reasoning"

// SendOpts carries the optional fields of a send.
type SendOpts struct {
	Author   string
	Elements []*models.Element
	Metadata map[string]any
}

// App is handed to worker code. Sends append to the outgoing queue and
// never block; reads go through the registry's data layer.
type App struct {
	reg *runtime.Registry
	out *runtime.CommandQueue

	recvMu     sync.Mutex
	recvItems  []*models.IncomingMessage
	recvSignal chan struct{}

	taskMu    sync.Mutex
	taskDepth map[string]int
}

// Opts configures New.
type Opts struct {
	Registry *runtime.Registry
}

// New creates an App bound to a registry.
func New(opts Opts) (*App, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("app: registry is required")
	}
	return &App{
		reg:        opts.Registry,
		out:        runtime.NewCommandQueue(),
		recvSignal: make(chan struct{}, 1),
		taskDepth:  make(map[string]int),
	}, nil
}

// Registry returns the runtime registry this app is bound to.
func (a *App) Registry() *runtime.Registry { return a.reg }

// Outgoing returns the command queue the dispatcher drains.
func (a *App) Outgoing() *runtime.CommandQueue { return a.out }

// Close shuts the outgoing queue, queueing the close sentinel behind
// any pending work. Idempotent; wakes blocked Recv callers.
func (a *App) Close() {
	a.out.Close()
	select {
	case a.recvSignal <- struct{}{}:
	default:
	}
}

// Closed reports whether Close has been called.
func (a *App) Closed() bool { return a.out.Closed() }

func (a *App) push(cmd *models.OutgoingCommand) error {
	cmd.ThreadID = strings.TrimSpace(cmd.ThreadID)
	if cmd.ThreadID == "" {
		return fmt.Errorf("app: thread id is required")
	}
	if err := a.out.Push(cmd); err != nil {
		return ErrAppClosed
	}
	return nil
}

// AddMessage queues an assistant message and returns its id.
func (a *App) AddMessage(threadID, content string, opts SendOpts) (string, error) {
	cmd := models.NewOutgoingCommand(models.CommandAddMessage, threadID)
	cmd.MessageID = uuid.NewString()
	cmd.Content = content
	if opts.Author != "" {
		cmd.Author = opts.Author
	}
	cmd.Elements = opts.Elements
	cmd.Metadata = opts.Metadata
	if err := a.push(cmd); err != nil {
		return "", err
	}
	return cmd.MessageID, nil
}

// AddTool queues a tool step named after its author and returns its id.
func (a *App) AddTool(threadID, author, content string, opts SendOpts) (string, error) {
	cmd := models.NewOutgoingCommand(models.CommandAddTool, threadID)
	cmd.MessageID = uuid.NewString()
	cmd.Content = content
	cmd.Author = author
	cmd.StepType = models.StepTypeTool
	cmd.Elements = opts.Elements
	cmd.Metadata = opts.Metadata
	if err := a.push(cmd); err != nil {
		return "", err
	}
	return cmd.MessageID, nil
}

// AddThought queues a reasoning trace, rendered as a tool step.
func (a *App) AddThought(threadID, content string, opts SendOpts) (string, error) {
	return a.AddTool(threadID, ThoughtAuthor, content, opts)
}

// UpdateMessage rewrites the content of an earlier message.
func (a *App) UpdateMessage(threadID, messageID, content string, opts SendOpts) error {
	cmd := models.NewOutgoingCommand(models.CommandUpdateMessage, threadID)
	cmd.MessageID = messageID
	cmd.Content = content
	if opts.Author != "" {
		cmd.Author = opts.Author
	}
	cmd.Elements = opts.Elements
	cmd.Metadata = opts.Metadata
	return a.push(cmd)
}

// UpdateTool rewrites the content of an earlier tool step.
func (a *App) UpdateTool(threadID, messageID, content string, opts SendOpts) error {
	cmd := models.NewOutgoingCommand(models.CommandUpdateTool, threadID)
	cmd.MessageID = messageID
	cmd.Content = content
	if opts.Author != "" {
		cmd.Author = opts.Author
	}
	cmd.StepType = models.StepTypeTool
	cmd.Elements = opts.Elements
	cmd.Metadata = opts.Metadata
	return a.push(cmd)
}

// UpdateThought rewrites a reasoning trace.
func (a *App) UpdateThought(threadID, messageID, content string) error {
	return a.UpdateTool(threadID, messageID, content, SendOpts{Author: ThoughtAuthor})
}

// DeleteMessage removes a step, its elements and their stored files.
func (a *App) DeleteMessage(threadID, messageID string) error {
	cmd := models.NewOutgoingCommand(models.CommandDelete, threadID)
	cmd.MessageID = messageID
	return a.push(cmd)
}

// Enqueue records an inbound user message and hands it to the worker
// pool, blocking while the pool is saturated. With no pool bound the
// message lands on the Recv queue instead.
func (a *App) Enqueue(ctx context.Context, msg *models.IncomingMessage) error {
	if a.Closed() {
		return ErrAppClosed
	}
	msg.ThreadID = strings.TrimSpace(msg.ThreadID)
	if msg.ThreadID == "" {
		return fmt.Errorf("app: thread id is required")
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Author == "" {
		msg.Author = "User"
	}

	cmd := models.NewOutgoingCommand(models.CommandAddMessage, msg.ThreadID)
	cmd.MessageID = msg.MessageID
	cmd.Content = msg.Content
	cmd.Author = msg.Author
	cmd.StepType = models.StepTypeUserMessage
	// The outgoing lane normalizes its elements in place; the handler
	// must keep seeing the payload it was dispatched with.
	cmd.Elements = models.CloneElements(msg.Elements)
	cmd.Metadata = msg.Metadata
	if err := a.push(cmd); err != nil {
		return err
	}

	err := a.reg.DispatchIncoming(ctx, msg)
	if errors.Is(err, runtime.ErrNoIncomingHandler) {
		a.recvPush(msg)
		return nil
	}
	return err
}

func (a *App) recvPush(msg *models.IncomingMessage) {
	a.recvMu.Lock()
	a.recvItems = append(a.recvItems, msg)
	a.recvMu.Unlock()
	select {
	case a.recvSignal <- struct{}{}:
	default:
	}
}

// Recv blocks for the next inbound message. It only sees traffic when
// no worker pool is bound; pull-style run funcs consume it directly.
func (a *App) Recv(ctx context.Context) (*models.IncomingMessage, error) {
	for {
		a.recvMu.Lock()
		if len(a.recvItems) > 0 {
			msg := a.recvItems[0]
			a.recvItems = a.recvItems[1:]
			a.recvMu.Unlock()
			return msg, nil
		}
		a.recvMu.Unlock()
		if a.Closed() {
			return nil, ErrAppClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.recvSignal:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// StartThreadTask marks a unit of work running on a thread. Nested
// starts stack; only the first transition emits a task event.
func (a *App) StartThreadTask(ctx context.Context, threadID string) {
	a.taskMu.Lock()
	a.taskDepth[threadID]++
	first := a.taskDepth[threadID] == 1
	a.taskMu.Unlock()
	if first {
		a.reg.SetThreadTaskState(ctx, threadID, true)
	}
}

// EndThreadTask unwinds StartThreadTask; the last end emits the idle
// event. Unbalanced ends are ignored.
func (a *App) EndThreadTask(ctx context.Context, threadID string) {
	a.taskMu.Lock()
	depth, ok := a.taskDepth[threadID]
	last := false
	if ok {
		depth--
		if depth <= 0 {
			delete(a.taskDepth, threadID)
			last = true
		} else {
			a.taskDepth[threadID] = depth
		}
	}
	a.taskMu.Unlock()
	if last {
		a.reg.SetThreadTaskState(ctx, threadID, false)
	}
}

// storeOrErr surfaces the persistence requirement of the thread API.
func (a *App) storeOrErr() (store.Store, error) {
	return a.reg.Store()
}
