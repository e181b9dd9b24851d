// Package discord bridges Discord channels into runtime threads over
// the Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/smturtle2/easierlit-sub000/internal/app"
	"github.com/smturtle2/easierlit-sub000/internal/runtime"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxThreadName is Discord's thread name limit.
	maxThreadName = 100
	// maxMessageLen is Discord's message content limit.
	maxMessageLen = 2000
	// maxAttachments is Discord's per-message file limit.
	maxAttachments = 10
	// typingInterval keeps the typing indicator alive; Discord drops it
	// after about ten seconds.
	typingInterval = 7 * time.Second
)

// threadIDSeed prefixes the channel id before hashing, so thread ids
// derived from Discord channels live in their own namespace.
const threadIDSeed = "discord-channel:"

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	StateChannel(channelID string) (*discordgo.Channel, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) StateChannel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.Channel(channelID, options...)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.MessageThreadStartComplex(channelID, messageID, data, options...)
}
func (r *realSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelTyping(channelID, options...)
}

// ThreadIDForChannel derives the stable runtime thread id for a Discord
// channel. The mapping is deterministic, so restarts and multiple
// messages always land in the same thread.
func ThreadIDForChannel(channelID string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(threadIDSeed+channelID)).String()
}

// Bridge connects one bot account to the runtime: inbound messages
// become enqueued thread messages, outbound add commands for bridged
// threads are posted back to their channels.
type Bridge struct {
	sess     session
	botToken string
	reg      *runtime.Registry
	app      *app.App

	mu             sync.Mutex
	botUserID      string
	started        bool
	closed         bool
	reconciled     bool
	removeHandlers []func()

	typingMu sync.Mutex
	typing   map[string]context.CancelFunc

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Opts holds parameters for creating a Bridge.
type Opts struct {
	BotToken string
	Registry *runtime.Registry
	App      *app.App
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Bridge.
func New(opts Opts) (*Bridge, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("discord: registry is required")
	}
	if opts.App == nil {
		return nil, fmt.Errorf("discord: app is required")
	}
	return &Bridge{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		reg:         opts.Registry,
		app:         opts.App,
		typing:      make(map[string]context.CancelFunc),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Start opens the Gateway connection, registers event handlers and
// installs the outbound senders on the registry.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("discord: bridge already closed")
	}
	if b.started {
		return nil
	}

	if b.sess == nil {
		dg, err := discordgo.New("Bot " + b.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		b.sess = &realSession{s: dg}
	}

	b.removeHandlers = append(b.removeHandlers,
		b.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			b.onReady(r)
		}),
		b.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			b.onMessage(context.Background(), m)
		}),
	)

	if err := b.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	b.reg.SetDiscordSenders(b.sendCommand, b.setTyping)
	b.started = true
	return nil
}

// Stop cancels typing loops, detaches from the registry and closes the
// Gateway connection. Idempotent.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.started = false
	removes := b.removeHandlers
	b.removeHandlers = nil
	b.mu.Unlock()

	b.typingMu.Lock()
	for id, cancel := range b.typing {
		cancel()
		delete(b.typing, id)
	}
	b.typingMu.Unlock()

	b.reg.SetDiscordSenders(nil, nil)
	for _, remove := range removes {
		remove()
	}
	if b.sess != nil {
		return b.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user id, available after Ready.
func (b *Bridge) BotUserID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.botUserID
}

// SetBotUserID sets the bot user id (used for self-message filtering).
func (b *Bridge) SetBotUserID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.botUserID = id
}

func (b *Bridge) onReady(r *discordgo.Ready) {
	b.mu.Lock()
	b.botUserID = r.User.ID
	first := !b.reconciled
	b.reconciled = true
	b.mu.Unlock()
	log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)

	// Reconnects fire Ready again; reconcile only once per process.
	if first {
		go b.reconcileThreads(context.Background())
	}
}

// channel resolves a channel from the state cache, falling back to the
// REST API on a miss.
func (b *Bridge) channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := b.sess.StateChannel(channelID); err == nil {
		return ch, nil
	}
	ch, err := b.sess.Channel(channelID)
	if err != nil {
		return nil, fmt.Errorf("discord: resolve channel %s: %w", channelID, err)
	}
	return ch, nil
}

// retryOnRateLimit calls fn and retries with exponential backoff on
// Discord rate limit errors. It respects context cancellation.
func (b *Bridge) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * b.baseBackoff
		if wait > b.maxBackoff {
			wait = b.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// truncateThreadName trims message content into a legal thread name.
func truncateThreadName(content string) string {
	name := strings.TrimSpace(strings.SplitN(content, "\n", 2)[0])
	if name == "" {
		name = "Discord thread"
	}
	runes := []rune(name)
	if len(runes) > maxThreadName {
		name = string(runes[:maxThreadName])
	}
	return name
}
