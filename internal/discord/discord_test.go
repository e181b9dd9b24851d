package discord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/smturtle2/easierlit-sub000/internal/app"
	"github.com/smturtle2/easierlit-sub000/internal/config"
	"github.com/smturtle2/easierlit-sub000/internal/models"
	"github.com/smturtle2/easierlit-sub000/internal/runtime"
	"github.com/smturtle2/easierlit-sub000/internal/store"
)

type fixture struct {
	bridge *Bridge
	sess   *mockSession
	app    *app.App
	reg    *runtime.Registry
	store  store.Store
}

func newFixture(t *testing.T, withAuth bool) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Thread{}, &models.Step{}, &models.Element{}, &models.Feedback{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.NewWithDB(db, true)

	opts := runtime.Opts{Store: st}
	if withAuth {
		opts.Auth = &config.AuthConfig{Username: "alice", Password: "x", Identifier: "alice"}
	}
	reg := runtime.New(opts)
	a, err := app.New(app.Opts{Registry: reg})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}

	sess := newMockSession()
	b, err := New(Opts{Registry: reg, App: a, Session: sess})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.SetBotUserID("bot-1")
	return &fixture{bridge: b, sess: sess, app: a, reg: reg, store: st}
}

func inbound(channelID, msgID, authorID, author, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        msgID,
			ChannelID: channelID,
			Content:   content,
			Author:    &discordgo.User{ID: authorID, Username: author},
		},
	}
}

func recvOne(t *testing.T, a *app.App) *models.IncomingMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := a.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return msg
}

func TestThreadIDForChannelStable(t *testing.T) {
	a := ThreadIDForChannel("123456")
	if a != ThreadIDForChannel("123456") {
		t.Error("thread id not deterministic")
	}
	if a == ThreadIDForChannel("654321") {
		t.Error("distinct channels collided")
	}
	// The seed namespaces channel ids away from raw uuid5 of the id.
	if a == ThreadIDForChannel("channel:123456") {
		t.Error("seeding has no effect")
	}
}

func TestTruncateThreadName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"short question", "short question"},
		{"first line\nsecond line", "first line"},
		{"  padded  ", "padded"},
		{"", "Discord thread"},
		{strings.Repeat("x", 150), strings.Repeat("x", 100)},
	}
	for _, tt := range tests {
		if got := truncateThreadName(tt.in); got != tt.want {
			t.Errorf("truncateThreadName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("hello"); len(got) != 1 || got[0] != "hello" {
		t.Errorf("short content = %v", got)
	}
	long := strings.Repeat("line of text\n", 400) // ~5200 chars
	chunks := splitMessage(long)
	if len(chunks) < 3 {
		t.Fatalf("long content split into %d chunks", len(chunks))
	}
	var rejoined strings.Builder
	for _, c := range chunks {
		if len([]rune(c)) > maxMessageLen {
			t.Errorf("chunk over limit: %d runes", len([]rune(c)))
		}
		rejoined.WriteString(c)
	}
	if rejoined.String() != long {
		t.Error("chunks do not rejoin to the original content")
	}
}

func TestInboundDM(t *testing.T) {
	f := newFixture(t, true)
	f.sess.stateChannels["dm-1"] = &discordgo.Channel{ID: "dm-1", Type: discordgo.ChannelTypeDM}
	ctx := context.Background()

	f.bridge.onMessage(ctx, inbound("dm-1", "1111", "u-9", "bob", "hi bot"))

	threadID := ThreadIDForChannel("dm-1")
	th, err := f.store.GetThread(ctx, threadID)
	if err != nil || th == nil {
		t.Fatalf("thread = %+v, %v", th, err)
	}
	if th.Name != "bob Discord DM" {
		t.Errorf("thread name = %q", th.Name)
	}
	if th.UserIdentifier != "alice" || th.UserID == nil {
		t.Errorf("owner not stamped: %+v", th)
	}
	if th.Metadata["discord_channel_id"] != "dm-1" {
		t.Errorf("metadata = %+v", th.Metadata)
	}
	if ch, ok := f.reg.DiscordChannelForThread(threadID); !ok || ch != "dm-1" {
		t.Errorf("channel binding = %q, %v", ch, ok)
	}

	msg := recvOne(t, f.app)
	if msg.ThreadID != threadID || msg.Content != "hi bot" || msg.Author != "bob" {
		t.Errorf("enqueued message = %+v", msg)
	}

	// The author got a bookkeeping user record.
	u, err := f.store.GetUser(ctx, "discord_bob")
	if err != nil || u == nil {
		t.Errorf("author record = %+v, %v", u, err)
	}

	// Repeat delivery derives the same message id.
	if msg.MessageID != MessageIDFor("1111") {
		t.Errorf("message id = %q", msg.MessageID)
	}
}

func TestInboundIgnoresBotsAndSelf(t *testing.T) {
	f := newFixture(t, false)
	f.sess.stateChannels["dm-1"] = &discordgo.Channel{ID: "dm-1", Type: discordgo.ChannelTypeDM}
	ctx := context.Background()

	self := inbound("dm-1", "1", "bot-1", "me", "self talk")
	f.bridge.onMessage(ctx, self)

	bot := inbound("dm-1", "2", "u-2", "otherbot", "beep")
	bot.Author.Bot = true
	f.bridge.onMessage(ctx, bot)

	if th, _ := f.store.GetThread(ctx, ThreadIDForChannel("dm-1")); th != nil {
		t.Error("bot/self message bridged a thread")
	}
}

func TestInboundTextChannelRequiresMention(t *testing.T) {
	f := newFixture(t, false)
	f.sess.stateChannels["chan-1"] = &discordgo.Channel{ID: "chan-1", Type: discordgo.ChannelTypeGuildText}
	f.sess.nextThread = &discordgo.Channel{ID: "thread-1", Type: discordgo.ChannelTypeGuildPublicThread, Name: "help me"}
	ctx := context.Background()

	// Without a mention, the message is ignored.
	f.bridge.onMessage(ctx, inbound("chan-1", "1", "u-1", "bob", "just chatting"))
	if len(f.sess.threads) != 0 {
		t.Fatal("thread started without a mention")
	}

	// A mention creates a sub-thread and bridges it.
	m := inbound("chan-1", "2", "u-1", "bob", "help me\nwith this")
	m.Mentions = []*discordgo.User{{ID: "bot-1"}}
	f.bridge.onMessage(ctx, m)

	if len(f.sess.threads) != 1 || f.sess.threads[0] != "chan-1" {
		t.Fatalf("thread starts = %v", f.sess.threads)
	}
	threadID := ThreadIDForChannel("thread-1")
	th, err := f.store.GetThread(ctx, threadID)
	if err != nil || th == nil {
		t.Fatalf("bridged thread = %+v, %v", th, err)
	}
	if th.Name != "help me" {
		t.Errorf("thread name = %q", th.Name)
	}
	if ch, _ := f.reg.DiscordChannelForThread(threadID); ch != "thread-1" {
		t.Errorf("replies bound to %q, want the sub-thread", ch)
	}
}

func TestInboundExistingThreadChannel(t *testing.T) {
	f := newFixture(t, false)
	f.sess.stateChannels["thread-9"] = &discordgo.Channel{
		ID:   "thread-9",
		Type: discordgo.ChannelTypeGuildPublicThread,
		Name: "ongoing discussion",
	}
	ctx := context.Background()

	// Messages inside an established thread bridge without a mention.
	f.bridge.onMessage(ctx, inbound("thread-9", "1", "u-1", "bob", "continuing"))

	th, err := f.store.GetThread(ctx, ThreadIDForChannel("thread-9"))
	if err != nil || th == nil {
		t.Fatalf("thread = %+v, %v", th, err)
	}
	if th.Name != "ongoing discussion" {
		t.Errorf("thread name = %q", th.Name)
	}
}

func TestInboundAttachments(t *testing.T) {
	f := newFixture(t, false)
	f.sess.stateChannels["dm-1"] = &discordgo.Channel{ID: "dm-1", Type: discordgo.ChannelTypeDM}

	m := inbound("dm-1", "1", "u-1", "bob", "see attached")
	m.Attachments = []*discordgo.MessageAttachment{
		{URL: "https://cdn.example/a.png", Filename: "a.png", ContentType: "image/png"},
	}
	f.bridge.onMessage(context.Background(), m)

	msg := recvOne(t, f.app)
	if len(msg.Elements) != 1 {
		t.Fatalf("elements = %+v", msg.Elements)
	}
	el := msg.Elements[0]
	if el.URL != "https://cdn.example/a.png" || el.Name != "a.png" || el.SourceKind() != "url" {
		t.Errorf("element = %+v", el)
	}
}

func TestSendCommand(t *testing.T) {
	f := newFixture(t, false)
	f.reg.RegisterDiscordChannel("t1", "chan-1")
	ctx := context.Background()

	ok := f.bridge.sendCommand(ctx, &models.OutgoingCommand{
		Command:  models.CommandAddMessage,
		ThreadID: "t1",
		Content:  "hello there",
	})
	if !ok {
		t.Fatal("sendCommand = false")
	}
	sent := f.sess.sentMessages()
	if len(sent) != 1 || sent[0].channelID != "chan-1" || sent[0].data.Content != "hello there" {
		t.Fatalf("sent = %+v", sent)
	}

	// Tool steps render with their author tag.
	ok = f.bridge.sendCommand(ctx, &models.OutgoingCommand{
		Command:  models.CommandAddTool,
		ThreadID: "t1",
		Author:   "search",
		Content:  "3 results",
	})
	if !ok {
		t.Fatal("tool sendCommand = false")
	}
	sent = f.sess.sentMessages()
	if sent[1].data.Content != "[search] 3 results" {
		t.Errorf("tool content = %q", sent[1].data.Content)
	}

	// Unbound threads and non-add commands deliver nothing.
	if f.bridge.sendCommand(ctx, &models.OutgoingCommand{Command: models.CommandAddMessage, ThreadID: "t2"}) {
		t.Error("delivered to unbound thread")
	}
	if f.bridge.sendCommand(ctx, &models.OutgoingCommand{Command: models.CommandUpdateMessage, ThreadID: "t1"}) {
		t.Error("delivered an update command")
	}
}

func TestSendCommandAttachments(t *testing.T) {
	f := newFixture(t, false)
	f.reg.RegisterDiscordChannel("t1", "chan-1")

	ok := f.bridge.sendCommand(context.Background(), &models.OutgoingCommand{
		Command:  models.CommandAddMessage,
		ThreadID: "t1",
		Content:  "report attached",
		Elements: []*models.Element{
			{ID: "e1", Name: "r.txt", Content: []byte("data"), Mime: "text/plain"},
			{ID: "e2", URL: "https://example.com/linked.png"},
		},
	})
	if !ok {
		t.Fatal("sendCommand = false")
	}
	sent := f.sess.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %+v", sent)
	}
	files := sent[0].data.Files
	if len(files) != 1 || files[0].Name != "r.txt" {
		t.Errorf("files = %+v", files)
	}
}

func TestSendCommandFailure(t *testing.T) {
	f := newFixture(t, false)
	f.reg.RegisterDiscordChannel("t1", "chan-1")
	f.sess.sendErr = errors.New("403 forbidden")

	ok := f.bridge.sendCommand(context.Background(), &models.OutgoingCommand{
		Command:  models.CommandAddMessage,
		ThreadID: "t1",
		Content:  "hi",
	})
	if ok {
		t.Error("sendCommand reported delivery despite API failure")
	}
}

func TestTypingHeartbeat(t *testing.T) {
	f := newFixture(t, false)
	f.reg.RegisterDiscordChannel("t1", "chan-1")

	f.bridge.setTyping("t1", true)
	deadline := time.After(time.Second)
	for len(f.sess.typedChannels()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no typing pulse observed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	f.bridge.setTyping("t1", false)
	if _, ok := f.bridge.typing["t1"]; ok {
		t.Error("typing loop still registered after stop")
	}

	// Unbound threads never start a loop.
	f.bridge.setTyping("t2", true)
	if _, ok := f.bridge.typing["t2"]; ok {
		t.Error("typing loop started for unbound thread")
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, false)
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.sess.opened {
		t.Error("session not opened")
	}
	if err := f.bridge.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !f.sess.closed {
		t.Error("session not closed")
	}
	if err := f.bridge.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := f.bridge.Start(context.Background()); err == nil {
		t.Error("Start after Stop should fail")
	}
}

func TestReconcileThreads(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	// A persisted Discord thread from a previous run, owner missing.
	if _, err := f.store.UpsertThread(ctx, store.ThreadPatch{
		ID:       ThreadIDForChannel("dm-7"),
		Metadata: map[string]any{"discord_channel_id": "dm-7"},
	}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	// And an unrelated local thread.
	if _, err := f.store.UpsertThread(ctx, store.ThreadPatch{ID: "local-1"}); err != nil {
		t.Fatalf("seed local thread: %v", err)
	}

	f.bridge.reconcileThreads(ctx)

	threadID := ThreadIDForChannel("dm-7")
	if ch, ok := f.reg.DiscordChannelForThread(threadID); !ok || ch != "dm-7" {
		t.Errorf("channel binding = %q, %v", ch, ok)
	}
	th, err := f.store.GetThread(ctx, threadID)
	if err != nil || th == nil {
		t.Fatalf("thread = %+v, %v", th, err)
	}
	if th.UserID == nil || th.UserIdentifier != "alice" {
		t.Errorf("owner not reconciled: %+v", th)
	}
	if _, ok := f.reg.DiscordChannelForThread("local-1"); ok {
		t.Error("local thread gained a discord binding")
	}
}
