package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smturtle2/easierlit-sub000/internal/models"
	"github.com/smturtle2/easierlit-sub000/internal/store"
)

// newThreadProbes bounds the id allocation loop in NewThread.
const newThreadProbes = 16

// HistoryMessage is one conversation entry from GetMessages, with its
// elements attached and their sources resolved.
type HistoryMessage struct {
	ID        string
	Type      string
	Author    string
	Content   string
	CreatedAt time.Time
	Elements  []*models.Element
}

// ListThreads pages over persisted threads, newest first.
func (a *App) ListThreads(ctx context.Context, opts store.ListThreadsOpts) ([]models.Thread, error) {
	st, err := a.storeOrErr()
	if err != nil {
		return nil, err
	}
	return st.ListThreads(ctx, opts)
}

// GetThread loads one thread with its steps and elements. Missing
// threads return nil without error.
func (a *App) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	st, err := a.storeOrErr()
	if err != nil {
		return nil, err
	}
	return st.GetThread(ctx, threadID)
}

// NewThreadOpts are the optional fields of NewThread.
type NewThreadOpts struct {
	// ThreadID, when set, is used as-is instead of allocating one.
	ThreadID string
	Name     string
	Metadata map[string]any
	Tags     []string
}

// NewThread creates a thread and returns its id. Without a caller-
// supplied id a fresh one is allocated, verified unique against the
// data layer with a bounded number of probes.
func (a *App) NewThread(ctx context.Context, opts NewThreadOpts) (string, error) {
	st, err := a.storeOrErr()
	if err != nil {
		return "", err
	}
	patch := store.ThreadPatch{Metadata: opts.Metadata, Tags: opts.Tags}
	if opts.Name != "" {
		patch.Name = &opts.Name
	}
	if id := strings.TrimSpace(opts.ThreadID); id != "" {
		patch.ID = id
		if err := a.upsertOwnedThread(ctx, st, patch); err != nil {
			return "", err
		}
		return id, nil
	}
	for probe := 0; probe < newThreadProbes; probe++ {
		id := uuid.NewString()
		existing, err := st.GetThread(ctx, id)
		if err != nil {
			return "", err
		}
		if existing != nil {
			continue
		}
		patch.ID = id
		if err := a.upsertOwnedThread(ctx, st, patch); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", fmt.Errorf("app: could not allocate a unique thread id in %d probes", newThreadProbes)
}

// UpdateThread applies a partial thread write, stamping ownership.
func (a *App) UpdateThread(ctx context.Context, patch store.ThreadPatch) error {
	st, err := a.storeOrErr()
	if err != nil {
		return err
	}
	return a.upsertOwnedThread(ctx, st, patch)
}

func (a *App) upsertOwnedThread(ctx context.Context, st store.Store, patch store.ThreadPatch) error {
	if auth := a.reg.Auth(); auth != nil && patch.UserID == nil {
		ownerID, err := a.reg.ResolveOwnerID(ctx)
		if err != nil {
			return err
		}
		patch.UserID = &ownerID
		patch.UserIdentifier = &auth.Identifier
	}
	_, err := st.UpsertThread(ctx, patch)
	return err
}

// DeleteThread removes a thread, its rows and its stored files.
func (a *App) DeleteThread(ctx context.Context, threadID string) error {
	st, err := a.storeOrErr()
	if err != nil {
		return err
	}
	if err := a.deleteThreadFiles(ctx, st, threadID); err != nil {
		return err
	}
	return st.DeleteThread(ctx, threadID)
}

// ResetThread clears a thread's conversation while keeping the thread
// row and its bindings alive.
func (a *App) ResetThread(ctx context.Context, threadID string) error {
	st, err := a.storeOrErr()
	if err != nil {
		return err
	}
	thread, err := st.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread == nil {
		return nil
	}
	if err := a.deleteThreadFiles(ctx, st, threadID); err != nil {
		return err
	}
	for _, step := range thread.Steps {
		if err := st.DeleteStep(ctx, step.ID); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) deleteThreadFiles(ctx context.Context, st store.Store, threadID string) error {
	fs := a.reg.Storage()
	if fs == nil {
		return nil
	}
	thread, err := st.GetThread(ctx, threadID)
	if err != nil || thread == nil {
		return err
	}
	for _, el := range thread.Elements {
		if el.ObjectKey == "" {
			continue
		}
		if _, err := fs.DeleteFile(ctx, el.ObjectKey); err != nil {
			return fmt.Errorf("app: delete element file %s: %w", el.ObjectKey, err)
		}
	}
	return nil
}

// GetMessages returns the thread row and its conversation history:
// message and tool steps in creation order, each with its elements
// attached and every element carrying a usable source.
func (a *App) GetMessages(ctx context.Context, threadID string) (*models.Thread, []*HistoryMessage, error) {
	st, err := a.storeOrErr()
	if err != nil {
		return nil, nil, err
	}
	thread, err := st.GetThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	if thread == nil {
		return nil, nil, nil
	}

	byStep := make(map[string][]*models.Element)
	for i := range thread.Elements {
		el := &thread.Elements[i]
		a.resolveElementSource(el)
		byStep[el.ForID] = append(byStep[el.ForID], el)
	}

	var history []*HistoryMessage
	for _, step := range thread.Steps {
		switch step.Type {
		case models.StepTypeUserMessage, models.StepTypeAssistantMessage,
			models.StepTypeSystemMessage, models.StepTypeTool:
		default:
			continue
		}
		history = append(history, &HistoryMessage{
			ID:        step.ID,
			Type:      step.Type,
			Author:    step.Name,
			Content:   step.Output,
			CreatedAt: step.CreatedAt,
			Elements:  byStep[step.ID],
		})
	}
	return thread, history, nil
}

// resolveElementSource fills in the cheapest fetchable source for an
// element that only carries storage references: a local path when the
// object file exists, else its public URL.
func (a *App) resolveElementSource(el *models.Element) {
	if el.Path != "" || el.URL != "" || len(el.Content) > 0 {
		return
	}
	fs := a.reg.Storage()
	if fs == nil || el.ObjectKey == "" {
		return
	}
	if path, err := fs.ResolveFilePath(el.ObjectKey); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			el.Path = path
			return
		}
	}
	el.URL = fs.PublicURL(el.ObjectKey)
}
