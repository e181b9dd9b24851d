// Package runtime holds the registry that ties sessions, threads and
// transports together, and the dispatcher that applies outgoing
// commands in per-thread order.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/smturtle2/easierlit-sub000/internal/config"
	"github.com/smturtle2/easierlit-sub000/internal/models"
	"github.com/smturtle2/easierlit-sub000/internal/storage"
	"github.com/smturtle2/easierlit-sub000/internal/store"
)

var (
	// ErrDataPersistenceNotEnabled reports a persistence operation with
	// no data layer configured.
	ErrDataPersistenceNotEnabled = errors.New("runtime: data persistence is not enabled")
	// ErrThreadSessionNotActive reports a thread with no live UI session.
	ErrThreadSessionNotActive = errors.New("runtime: no active session for thread")
	// ErrNoIncomingHandler reports an inbound message with no worker
	// pool bound to receive it.
	ErrNoIncomingHandler = errors.New("runtime: no incoming handler bound")
)

// Emitter delivers steps to one live UI session.
type Emitter interface {
	SendStep(ctx context.Context, step *models.Step, elements []*models.Element) error
	UpdateStep(ctx context.Context, step *models.Step, elements []*models.Element) error
	DeleteStep(ctx context.Context, stepID string) error
	TaskStart(ctx context.Context) error
	TaskEnd(ctx context.Context) error
}

// SessionHub resolves live session ids to their emitters. The websocket
// layer owns sessions; the runtime only looks them up.
type SessionHub interface {
	EmitterFor(sessionID string) (Emitter, bool)
}

// IncomingHandler receives user messages for worker execution. A
// saturated handler may block the caller.
type IncomingHandler interface {
	Dispatch(ctx context.Context, msg *models.IncomingMessage) error
}

// DiscordSender pushes one outgoing command to its bound Discord
// channel, reporting delivery.
type DiscordSender func(ctx context.Context, cmd *models.OutgoingCommand) bool

// TypingSender forwards thread task state to Discord typing indicators.
type TypingSender func(threadID string, running bool)

// Opts configures New.
type Opts struct {
	Auth    *config.AuthConfig
	Store   store.Store // nil when persistence is off
	Storage *storage.LocalStorage
	Hub     SessionHub
}

// Registry is the explicit composition root of one runtime instance.
// All cross-component lookups (thread to session, thread to Discord
// channel, thread to emitter) go through it.
type Registry struct {
	auth    *config.AuthConfig
	store   store.Store
	storage *storage.LocalStorage
	hub     SessionHub

	mu              sync.Mutex
	sessionByThread map[string]string
	threadBySession map[string]string
	channelByThread map[string]string
	threadByChannel map[string]string
	ownerID         string

	incoming     IncomingHandler
	discordSend  DiscordSender
	typingSend   TypingSender
	callbackLock sync.RWMutex

	dispatcher *dispatcher
}

// New creates a Registry. Store may be nil (persistence disabled);
// Storage and Hub may be nil when the corresponding surface is absent.
func New(opts Opts) *Registry {
	return &Registry{
		auth:            opts.Auth,
		store:           opts.Store,
		storage:         opts.Storage,
		hub:             opts.Hub,
		sessionByThread: make(map[string]string),
		threadBySession: make(map[string]string),
		channelByThread: make(map[string]string),
		threadByChannel: make(map[string]string),
	}
}

// Store returns the data layer, or ErrDataPersistenceNotEnabled.
func (r *Registry) Store() (store.Store, error) {
	if r.store == nil {
		return nil, ErrDataPersistenceNotEnabled
	}
	return r.store, nil
}

// Storage returns the element file store, or nil when absent.
func (r *Registry) Storage() *storage.LocalStorage { return r.storage }

// Auth returns the configured owner auth, or nil.
func (r *Registry) Auth() *config.AuthConfig { return r.auth }

// BindIncoming attaches the worker pool that receives user messages.
func (r *Registry) BindIncoming(h IncomingHandler) {
	r.callbackLock.Lock()
	r.incoming = h
	r.callbackLock.Unlock()
}

// SetDiscordSenders installs (or with nils, clears) the Discord
// delivery callbacks.
func (r *Registry) SetDiscordSenders(send DiscordSender, typing TypingSender) {
	r.callbackLock.Lock()
	r.discordSend = send
	r.typingSend = typing
	r.callbackLock.Unlock()
}

// RegisterSession binds a live UI session to a thread. Either side may
// have a stale binding from a reconnect; both directions are replaced
// so the maps stay a bijection.
func (r *Registry) RegisterSession(sessionID, threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.threadBySession[sessionID]; ok {
		delete(r.sessionByThread, old)
	}
	if old, ok := r.sessionByThread[threadID]; ok {
		delete(r.threadBySession, old)
	}
	r.sessionByThread[threadID] = sessionID
	r.threadBySession[sessionID] = threadID
}

// UnregisterSession drops a session binding, if present.
func (r *Registry) UnregisterSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if threadID, ok := r.threadBySession[sessionID]; ok {
		delete(r.sessionByThread, threadID)
		delete(r.threadBySession, sessionID)
	}
}

// SessionForThread returns the live session bound to threadID.
func (r *Registry) SessionForThread(threadID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessionByThread[threadID]
	return id, ok
}

// RegisterDiscordChannel binds a thread to its Discord channel.
func (r *Registry) RegisterDiscordChannel(threadID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.channelByThread[threadID]; ok {
		delete(r.threadByChannel, old)
	}
	r.channelByThread[threadID] = channelID
	r.threadByChannel[channelID] = threadID
}

// DiscordChannelForThread returns the Discord channel bound to threadID.
func (r *Registry) DiscordChannelForThread(threadID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.channelByThread[threadID]
	return id, ok
}

// ThreadForDiscordChannel returns the thread bound to a Discord channel.
func (r *Registry) ThreadForDiscordChannel(channelID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.threadByChannel[channelID]
	return id, ok
}

// EmitterForThread resolves the live emitter for a thread, or
// ErrThreadSessionNotActive.
func (r *Registry) EmitterForThread(threadID string) (Emitter, error) {
	if r.hub == nil {
		return nil, ErrThreadSessionNotActive
	}
	sessionID, ok := r.SessionForThread(threadID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadSessionNotActive, threadID)
	}
	em, ok := r.hub.EmitterFor(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadSessionNotActive, threadID)
	}
	return em, nil
}

// DispatchIncoming hands a user message to the bound worker pool. It
// blocks while the pool is saturated, which is the backpressure the
// transports rely on.
func (r *Registry) DispatchIncoming(ctx context.Context, msg *models.IncomingMessage) error {
	r.callbackLock.RLock()
	h := r.incoming
	r.callbackLock.RUnlock()
	if h == nil {
		return ErrNoIncomingHandler
	}
	return h.Dispatch(ctx, msg)
}

// ResolveOwnerID returns the persisted user id for the configured auth
// owner, creating the user row on first use. The id is cached. Returns
// empty with no error when auth is not configured.
func (r *Registry) ResolveOwnerID(ctx context.Context) (string, error) {
	if r.auth == nil {
		return "", nil
	}
	r.mu.Lock()
	cached := r.ownerID
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	st, err := r.Store()
	if err != nil {
		return "", err
	}
	id, err := resolveUserID(ctx, st, r.auth.Identifier, r.auth.Metadata)
	if err != nil {
		return "", fmt.Errorf("runtime: resolve owner: %w", err)
	}
	r.mu.Lock()
	r.ownerID = id
	r.mu.Unlock()
	return id, nil
}

// resolveUserID finds or creates a user row and returns its id.
func resolveUserID(ctx context.Context, st store.Store, identifier string, metadata map[string]any) (string, error) {
	user, err := st.GetUser(ctx, identifier)
	if err != nil {
		return "", err
	}
	if user != nil {
		return user.ID, nil
	}
	fresh := &models.User{Identifier: identifier, Metadata: metadata}
	if err := st.CreateUser(ctx, fresh); err != nil {
		// Lost a create race; read back the winner.
		if user, getErr := st.GetUser(ctx, identifier); getErr == nil && user != nil {
			return user.ID, nil
		}
		return "", err
	}
	return fresh.ID, nil
}

// SetThreadTaskState forwards a thread's running state to its live
// session and, for Discord-bound threads, to the typing indicator.
// Delivery is best effort; failures are logged.
func (r *Registry) SetThreadTaskState(ctx context.Context, threadID string, running bool) {
	if em, err := r.EmitterForThread(threadID); err == nil {
		var emitErr error
		if running {
			emitErr = em.TaskStart(ctx)
		} else {
			emitErr = em.TaskEnd(ctx)
		}
		if emitErr != nil {
			log.Printf("runtime: task state emit for %s: %v", threadID, emitErr)
		}
	}
	if _, ok := r.DiscordChannelForThread(threadID); !ok {
		return
	}
	r.callbackLock.RLock()
	typing := r.typingSend
	r.callbackLock.RUnlock()
	if typing != nil {
		typing(threadID, running)
	}
}
