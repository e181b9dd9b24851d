package discord

import (
	"context"
	"log"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/smturtle2/easierlit-sub000/internal/models"
	"github.com/smturtle2/easierlit-sub000/internal/store"
)

// threadTarget is the resolved destination of one inbound message.
type threadTarget struct {
	threadID  string
	channelID string // channel replies are posted to
	name      string
}

// onMessage is the inbound pipeline: filter, resolve the thread target,
// record the author, upsert the thread and enqueue for the workers.
// Enqueue blocks while the worker pool is saturated, which backpressures
// the gateway handler goroutine, not the connection.
func (b *Bridge) onMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	b.mu.Lock()
	botID := b.botUserID
	b.mu.Unlock()
	if m.Author.ID == botID {
		return
	}

	target, ok := b.resolveTarget(ctx, m, botID)
	if !ok {
		return
	}

	st, err := b.reg.Store()
	if err == nil {
		b.recordAuthor(ctx, st, m.Author)
	}

	meta := map[string]any{
		"discord_channel_id": target.channelID,
	}
	if m.GuildID != "" {
		meta["discord_guild_id"] = m.GuildID
	}
	if err := b.app.UpdateThread(ctx, store.ThreadPatch{
		ID:       target.threadID,
		Name:     &target.name,
		Metadata: meta,
		Tags:     []string{"discord"},
	}); err != nil {
		log.Printf("discord: upsert thread for channel %s: %v", target.channelID, err)
		return
	}
	b.reg.RegisterDiscordChannel(target.threadID, target.channelID)

	msg := &models.IncomingMessage{
		ThreadID:  target.threadID,
		MessageID: MessageIDFor(m.ID),
		Content:   m.Content,
		Author:    displayName(m.Author),
		Elements:  elementsFromAttachments(target.threadID, m.Attachments),
		Metadata: map[string]any{
			"discord_message_id": m.ID,
			"discord_author_id":  m.Author.ID,
		},
	}
	if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
		msg.CreatedAt = ts.UTC()
	}
	if err := b.app.Enqueue(ctx, msg); err != nil {
		log.Printf("discord: enqueue message %s: %v", m.ID, err)
	}
}

// resolveTarget maps an inbound message onto a runtime thread. DMs
// always bridge; guild threads bridge when already established; plain
// text channels require a bot mention and get a sub-thread.
func (b *Bridge) resolveTarget(ctx context.Context, m *discordgo.MessageCreate, botID string) (threadTarget, bool) {
	ch, err := b.channel(m.ChannelID)
	if err != nil {
		log.Printf("discord: %v", err)
		return threadTarget{}, false
	}

	switch {
	case ch.Type == discordgo.ChannelTypeDM:
		return threadTarget{
			threadID:  ThreadIDForChannel(m.ChannelID),
			channelID: m.ChannelID,
			name:      displayName(m.Author) + " Discord DM",
		}, true

	case ch.IsThread():
		name := ch.Name
		if name == "" {
			name = truncateThreadName(m.Content)
		}
		return threadTarget{
			threadID:  ThreadIDForChannel(m.ChannelID),
			channelID: m.ChannelID,
			name:      name,
		}, true

	default:
		if !mentionsUser(m, botID) {
			return threadTarget{}, false
		}
		name := truncateThreadName(m.Content)
		var thread *discordgo.Channel
		err := b.retryOnRateLimit(ctx, func() error {
			var apiErr error
			thread, apiErr = b.sess.MessageThreadStartComplex(m.ChannelID, m.ID, &discordgo.ThreadStart{
				Name:                name,
				AutoArchiveDuration: 1440, // 24 hours
				Type:                discordgo.ChannelTypeGuildPublicThread,
			})
			return apiErr
		})
		if err != nil {
			log.Printf("discord: create thread in %s: %v", m.ChannelID, err)
			return threadTarget{}, false
		}
		return threadTarget{
			threadID:  ThreadIDForChannel(thread.ID),
			channelID: thread.ID,
			name:      name,
		}, true
	}
}

// displayName prefers the author's global display name over the login.
func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func mentionsUser(m *discordgo.MessageCreate, userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

// recordAuthor keeps a user row per Discord author. Best effort; the
// thread owner stays the configured auth user.
func (b *Bridge) recordAuthor(ctx context.Context, st store.Store, author *discordgo.User) {
	identifier := "discord_" + author.Username
	existing, err := st.GetUser(ctx, identifier)
	if err != nil || existing != nil {
		return
	}
	user := &models.User{
		Identifier: identifier,
		Metadata:   map[string]any{"discord_user_id": author.ID},
	}
	if err := st.CreateUser(ctx, user); err != nil {
		log.Printf("discord: record author %s: %v", identifier, err)
	}
}

// elementsFromAttachments converts Discord attachments into URL-backed
// elements. The preprocessing pass leaves URL sources alone, so these
// are never copied into local storage.
func elementsFromAttachments(threadID string, attachments []*discordgo.MessageAttachment) []*models.Element {
	var els []*models.Element
	for _, att := range attachments {
		if att == nil {
			continue
		}
		els = append(els, &models.Element{
			ThreadID: threadID,
			Type:     "file",
			URL:      att.URL,
			Name:     att.Filename,
			Mime:     att.ContentType,
			Display:  models.DisplayInline,
		})
	}
	return els
}

// MessageIDFor derives a stable runtime message id from a Discord
// message id, so redelivered gateway events do not duplicate steps.
func MessageIDFor(messageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte("discord-message:"+messageID)).String()
}

// reconcileThreads rebinds persisted Discord threads after a restart:
// channel bindings are restored and thread ownership is stamped onto
// the configured auth user.
func (b *Bridge) reconcileThreads(ctx context.Context) {
	st, err := b.reg.Store()
	if err != nil {
		return
	}
	ids, err := st.ListThreadIDs(ctx)
	if err != nil {
		log.Printf("discord: reconcile threads: %v", err)
		return
	}

	auth := b.reg.Auth()
	for _, id := range ids {
		thread, err := st.GetThread(ctx, id)
		if err != nil || thread == nil {
			continue
		}
		channelID, ok := thread.Metadata["discord_channel_id"].(string)
		if !ok || channelID == "" {
			continue
		}
		b.reg.RegisterDiscordChannel(id, channelID)

		if auth == nil {
			continue
		}
		if thread.UserIdentifier != "" && thread.UserIdentifier != auth.Identifier {
			log.Printf("discord: thread %s owned by %q, expected %q; rebinding",
				id, thread.UserIdentifier, auth.Identifier)
		}
		if thread.UserID == nil || thread.UserIdentifier != auth.Identifier {
			if err := b.app.UpdateThread(ctx, store.ThreadPatch{ID: id}); err != nil {
				log.Printf("discord: rebind owner for thread %s: %v", id, err)
			}
		}
	}
	log.Printf("discord: reconciled %d persisted threads", len(ids))
}
