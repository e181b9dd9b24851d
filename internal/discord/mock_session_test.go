package discord

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// sentMessage records one ChannelMessageSendComplex call.
type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

// mockSession is an in-memory session for bridge tests.
type mockSession struct {
	mu sync.Mutex

	opened bool
	closed bool

	stateChannels map[string]*discordgo.Channel
	apiChannels   map[string]*discordgo.Channel

	sent       []sentMessage
	sendErr    error
	nextThread *discordgo.Channel
	threads    []string // channel ids a thread was started in
	typed      []string

	handlers []interface{}
}

func newMockSession() *mockSession {
	return &mockSession{
		stateChannels: make(map[string]*discordgo.Channel),
		apiChannels:   make(map[string]*discordgo.Channel),
	}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}
}

func (m *mockSession) StateChannel(channelID string) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.stateChannels[channelID]; ok {
		return ch, nil
	}
	return nil, discordgo.ErrStateNotFound
}

func (m *mockSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.apiChannels[channelID]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("unknown channel %s", channelID)
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: fmt.Sprintf("sent-%d", len(m.sent))}, nil
}

func (m *mockSession) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads = append(m.threads, channelID)
	if m.nextThread == nil {
		return nil, fmt.Errorf("thread creation unavailable")
	}
	thread := m.nextThread
	m.stateChannels[thread.ID] = thread
	return thread, nil
}

func (m *mockSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typed = append(m.typed, channelID)
	return nil
}

func (m *mockSession) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

func (m *mockSession) typedChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.typed...)
}
