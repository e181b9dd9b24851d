package runtime

import (
	"context"
	"fmt"
	"log"
	"mime"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smturtle2/easierlit-sub000/internal/models"
	"github.com/smturtle2/easierlit-sub000/internal/store"
)

// ApplyOutgoingCommand executes one queued command: elements are
// preprocessed into object storage, the change is persisted, and the
// result is delivered to the thread's live session or, failing that,
// its Discord channel. Delivery failure is logged, never returned; the
// persisted state is the source of truth.
func (r *Registry) ApplyOutgoingCommand(ctx context.Context, cmd *models.OutgoingCommand) error {
	if cmd == nil {
		return nil
	}
	if cmd.Command == models.CommandClose {
		return nil
	}
	if cmd.ThreadID == "" {
		return fmt.Errorf("runtime: %s requires a thread id", cmd.Command)
	}
	switch cmd.Command {
	case models.CommandAddMessage, models.CommandAddTool:
		return r.applyAdd(ctx, cmd)
	case models.CommandUpdateMessage, models.CommandUpdateTool:
		return r.applyUpdate(ctx, cmd)
	case models.CommandDelete:
		return r.applyDelete(ctx, cmd)
	default:
		return fmt.Errorf("runtime: unknown command %q", cmd.Command)
	}
}

func (r *Registry) applyAdd(ctx context.Context, cmd *models.OutgoingCommand) error {
	if cmd.MessageID == "" {
		cmd.MessageID = uuid.NewString()
	}
	if err := r.PreprocessElements(ctx, cmd.ThreadID, cmd.MessageID, cmd.Elements); err != nil {
		return err
	}

	step := stepFromCommand(cmd)
	if r.store != nil {
		if err := r.ensureThread(ctx, cmd.ThreadID); err != nil {
			return err
		}
		if err := r.store.CreateStep(ctx, step); err != nil {
			return err
		}
		for _, el := range cmd.Elements {
			if el == nil {
				continue
			}
			if err := r.store.UpsertElement(ctx, el); err != nil {
				return err
			}
		}
	}

	if em, err := r.EmitterForThread(cmd.ThreadID); err == nil {
		if err := em.SendStep(ctx, step, cmd.Elements); err != nil {
			log.Printf("runtime: session send for thread %s: %v", cmd.ThreadID, err)
		}
		return nil
	}
	if r.deliverToDiscord(ctx, cmd) || r.store != nil {
		return nil
	}
	return ErrThreadSessionNotActive
}

func (r *Registry) applyUpdate(ctx context.Context, cmd *models.OutgoingCommand) error {
	if cmd.MessageID == "" {
		return fmt.Errorf("runtime: %s requires a message id", cmd.Command)
	}
	if err := r.PreprocessElements(ctx, cmd.ThreadID, cmd.MessageID, cmd.Elements); err != nil {
		return err
	}

	step := stepFromCommand(cmd)
	if r.store != nil {
		existing, err := r.store.GetStep(ctx, cmd.MessageID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("runtime: update %s: %w", cmd.MessageID, store.ErrNotFound)
		}
		existing.Output = cmd.Content
		if cmd.Author != "" {
			existing.Name = cmd.Author
		}
		if cmd.Metadata != nil {
			existing.Metadata = cmd.Metadata
		}
		if err := r.store.UpdateStep(ctx, existing); err != nil {
			return err
		}
		step = existing
		for _, el := range cmd.Elements {
			if el == nil {
				continue
			}
			if err := r.store.UpsertElement(ctx, el); err != nil {
				return err
			}
		}
	}

	if em, err := r.EmitterForThread(cmd.ThreadID); err == nil {
		if err := em.UpdateStep(ctx, step, cmd.Elements); err != nil {
			log.Printf("runtime: session update for thread %s: %v", cmd.ThreadID, err)
		}
	} else if r.store == nil {
		return ErrThreadSessionNotActive
	}
	return nil
}

func (r *Registry) applyDelete(ctx context.Context, cmd *models.OutgoingCommand) error {
	if cmd.MessageID == "" {
		return fmt.Errorf("runtime: delete requires a message id")
	}
	if r.store != nil {
		els, err := r.store.ElementsForStep(ctx, cmd.MessageID)
		if err != nil {
			return err
		}
		if r.storage != nil {
			for _, el := range els {
				if el.ObjectKey == "" {
					continue
				}
				if _, err := r.storage.DeleteFile(ctx, el.ObjectKey); err != nil {
					log.Printf("runtime: delete object %s: %v", el.ObjectKey, err)
				}
			}
		}
		if err := r.store.DeleteStep(ctx, cmd.MessageID); err != nil {
			return err
		}
	}
	if em, err := r.EmitterForThread(cmd.ThreadID); err == nil {
		if err := em.DeleteStep(ctx, cmd.MessageID); err != nil {
			log.Printf("runtime: session delete for thread %s: %v", cmd.ThreadID, err)
		}
	} else if r.store == nil {
		return ErrThreadSessionNotActive
	}
	return nil
}

// deliverToDiscord forwards an add command to its bound channel, when
// one exists. Updates and deletes never reach Discord; bridged messages
// are immutable once sent. Returns whether delivery was attempted.
func (r *Registry) deliverToDiscord(ctx context.Context, cmd *models.OutgoingCommand) bool {
	if _, ok := r.DiscordChannelForThread(cmd.ThreadID); !ok {
		return false
	}
	r.callbackLock.RLock()
	send := r.discordSend
	r.callbackLock.RUnlock()
	if send == nil {
		return false
	}
	if !send(ctx, cmd) {
		log.Printf("runtime: discord delivery failed for thread %s", cmd.ThreadID)
	}
	return true
}

// ensureThread upserts the thread row, stamping the auth owner when
// one is configured.
func (r *Registry) ensureThread(ctx context.Context, threadID string) error {
	patch := store.ThreadPatch{ID: threadID}
	if r.auth != nil {
		ownerID, err := r.ResolveOwnerID(ctx)
		if err != nil {
			return err
		}
		patch.UserID = &ownerID
		patch.UserIdentifier = &r.auth.Identifier
	}
	_, err := r.store.UpsertThread(ctx, patch)
	return err
}

func stepFromCommand(cmd *models.OutgoingCommand) *models.Step {
	stepType := cmd.StepType
	if stepType == "" {
		switch cmd.Command {
		case models.CommandAddTool, models.CommandUpdateTool:
			stepType = models.StepTypeTool
		default:
			stepType = models.StepTypeAssistantMessage
		}
	}
	return &models.Step{
		ID:        cmd.MessageID,
		Name:      cmd.Author,
		Type:      stepType,
		ThreadID:  cmd.ThreadID,
		Output:    cmd.Content,
		Metadata:  cmd.Metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// PreprocessElements readies attachments for delivery and persistence:
// ids and ownership fields are filled, transient path/content sources
// are uploaded into object storage, and the transient fields are
// cleared so only references survive. An element that already has an
// object key but carries fresh bytes is re-uploaded under the same key,
// which heals a missing file after a storage wipe.
func (r *Registry) PreprocessElements(ctx context.Context, threadID, messageID string, els []*models.Element) error {
	for _, el := range els {
		if el == nil {
			continue
		}
		if el.ID == "" {
			el.ID = uuid.NewString()
		}
		if el.ThreadID == "" {
			el.ThreadID = threadID
		}
		if el.ForID == "" {
			el.ForID = messageID
		}
		if el.Name == "" {
			el.Name = el.ID
		}
		if el.Display == "" {
			el.Display = models.DisplayInline
		}

		hasBytes := el.Path != "" || len(el.Content) > 0
		if !hasBytes || r.storage == nil {
			if el.ObjectKey != "" && el.URL == "" && r.storage != nil {
				el.URL = r.storage.PublicURL(el.ObjectKey)
			}
			continue
		}

		data := el.Content
		if el.Path != "" {
			read, err := os.ReadFile(el.Path)
			if err != nil {
				return fmt.Errorf("runtime: read element source %s: %w", el.Path, err)
			}
			data = read
		}

		key := el.ObjectKey
		if key == "" {
			key = fmt.Sprintf("%s/%s/%s/%s",
				safePathSegment(threadID), safePathSegment(messageID),
				safePathSegment(el.ID), safeFileName(el.Name))
		}
		if el.Mime == "" {
			el.Mime = guessMime(el.Name)
		}
		if el.Type == "" {
			el.Type = elementTypeForMime(el.Mime)
		}
		res, err := r.storage.UploadFile(ctx, key, data, el.Mime, true)
		if err != nil {
			return fmt.Errorf("runtime: upload element %s: %w", el.ID, err)
		}
		el.ObjectKey = res.ObjectKey
		el.URL = res.URL
		el.Path = ""
		el.Content = nil
	}
	return nil
}

var unsafeSegmentChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safePathSegment renders an id as one storage key segment. Generated
// keys must never fail normalization, so anything questionable is
// rewritten rather than rejected; caller-supplied object keys keep the
// strict treatment in UploadFile.
func safePathSegment(v string) string {
	s := unsafeSegmentChars.ReplaceAllString(strings.TrimSpace(v), "-")
	s = strings.Trim(s, "-._")
	if s == "" {
		return "item"
	}
	return s
}

// safeFileName keeps only the base name of an attachment and rewrites
// it into a storable segment.
func safeFileName(v string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(v), `\`, "/"))
	s := unsafeSegmentChars.ReplaceAllString(base, "-")
	s = strings.Trim(s, "-._")
	if s == "" {
		return "file"
	}
	return s
}

// guessMime maps an attachment name to a mime type by extension.
func guessMime(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = strings.TrimSpace(t[:i])
		}
		return t
	}
	return "application/octet-stream"
}

// elementTypeForMime buckets a mime type into the UI element kinds.
func elementTypeForMime(m string) string {
	normalized := strings.ToLower(m)
	switch {
	case strings.HasPrefix(normalized, "image/"):
		return "image"
	case strings.HasPrefix(normalized, "audio/"):
		return "audio"
	case strings.HasPrefix(normalized, "video/"):
		return "video"
	case normalized == "application/pdf":
		return "pdf"
	case strings.HasPrefix(normalized, "text/"):
		return "text"
	default:
		return "file"
	}
}
