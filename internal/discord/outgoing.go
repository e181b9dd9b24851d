package discord

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/smturtle2/easierlit-sub000/internal/models"
)

// sendCommand delivers one outgoing add command to its bound channel.
// Updates and deletes are not bridged; Discord messages are immutable
// once posted. Returns false when nothing was delivered.
func (b *Bridge) sendCommand(ctx context.Context, cmd *models.OutgoingCommand) bool {
	if cmd.Command != models.CommandAddMessage && cmd.Command != models.CommandAddTool {
		return false
	}
	channelID, ok := b.reg.DiscordChannelForThread(cmd.ThreadID)
	if !ok {
		return false
	}

	content := cmd.Content
	if cmd.Command == models.CommandAddTool {
		content = fmt.Sprintf("[%s] %s", cmd.Author, cmd.Content)
	}

	files := b.attachmentFiles(ctx, cmd.Elements)
	delivered := false
	for i, chunk := range splitMessage(content) {
		data := &discordgo.MessageSend{Content: chunk}
		if i == 0 {
			data.Files = files
		}
		err := b.retryOnRateLimit(ctx, func() error {
			_, sendErr := b.sess.ChannelMessageSendComplex(channelID, data)
			return sendErr
		})
		if err != nil {
			log.Printf("discord: send to channel %s: %v", channelID, err)
			return delivered
		}
		delivered = true
	}
	return delivered
}

// attachmentFiles materialises element bytes for upload, in element
// order, capped at Discord's file limit. Elements without local bytes
// (URL-only references) are skipped; their links are already inline.
func (b *Bridge) attachmentFiles(ctx context.Context, els []*models.Element) []*discordgo.File {
	var files []*discordgo.File
	for _, el := range els {
		if el == nil || len(files) == maxAttachments {
			break
		}
		data, ok := b.elementBytes(ctx, el)
		if !ok {
			continue
		}
		name := el.Name
		if name == "" {
			name = el.ID
		}
		files = append(files, &discordgo.File{
			Name:        name,
			ContentType: el.Mime,
			Reader:      bytes.NewReader(data),
		})
	}
	return files
}

func (b *Bridge) elementBytes(ctx context.Context, el *models.Element) ([]byte, bool) {
	switch {
	case len(el.Content) > 0:
		return el.Content, true
	case el.Path != "":
		data, err := os.ReadFile(el.Path)
		if err != nil {
			log.Printf("discord: read attachment %s: %v", el.Path, err)
			return nil, false
		}
		return data, true
	case el.ObjectKey != "":
		fs := b.reg.Storage()
		if fs == nil {
			return nil, false
		}
		data, err := fs.ReadFile(ctx, el.ObjectKey)
		if err != nil {
			log.Printf("discord: read attachment %s: %v", el.ObjectKey, err)
			return nil, false
		}
		return data, true
	default:
		return nil, false
	}
}

// splitMessage chunks content under Discord's length cap, preferring
// newline boundaries. Empty content still produces one send when the
// message only carries attachments.
func splitMessage(content string) []string {
	if len(content) <= maxMessageLen {
		return []string{content}
	}
	var chunks []string
	runes := []rune(content)
	for len(runes) > 0 {
		if len(runes) <= maxMessageLen {
			chunks = append(chunks, string(runes))
			break
		}
		cut := maxMessageLen
		for i := maxMessageLen - 1; i > maxMessageLen/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

// setTyping starts or stops the typing heartbeat for a thread's bound
// channel. Discord's indicator expires after ~10 seconds, so a running
// task re-enters typing on an interval until stopped.
func (b *Bridge) setTyping(threadID string, running bool) {
	b.typingMu.Lock()
	defer b.typingMu.Unlock()

	if cancel, ok := b.typing[threadID]; ok {
		cancel()
		delete(b.typing, threadID)
	}
	if !running {
		return
	}
	channelID, ok := b.reg.DiscordChannelForThread(threadID)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.typing[threadID] = cancel
	go b.typingLoop(ctx, channelID)
}

func (b *Bridge) typingLoop(ctx context.Context, channelID string) {
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		if err := b.sess.ChannelTyping(channelID); err != nil {
			log.Printf("discord: typing pulse for %s: %v", channelID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
