package runtime

import (
	"errors"
	"testing"

	"github.com/smturtle2/easierlit-sub000/internal/models"
)

func TestCommandQueueOrder(t *testing.T) {
	q := NewCommandQueue()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(&models.OutgoingCommand{Command: models.CommandAddMessage, MessageID: id}); err != nil {
			t.Fatalf("Push %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		cmd, ok := q.Pop()
		if !ok || cmd.MessageID != want {
			t.Fatalf("Pop = %+v, %v; want id %s", cmd, ok, want)
		}
	}
}

func TestCommandQueueClose(t *testing.T) {
	q := NewCommandQueue()
	if err := q.Push(&models.OutgoingCommand{Command: models.CommandAddMessage, MessageID: "a"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	q.Close()
	q.Close() // idempotent

	if err := q.Push(&models.OutgoingCommand{Command: models.CommandAddMessage}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push after close = %v, want ErrQueueClosed", err)
	}

	// Queued work drains before the sentinel.
	cmd, ok := q.Pop()
	if !ok || cmd.MessageID != "a" {
		t.Fatalf("Pop = %+v, %v", cmd, ok)
	}
	cmd, ok = q.Pop()
	if !ok || cmd.Command != models.CommandClose {
		t.Fatalf("Pop sentinel = %+v, %v", cmd, ok)
	}
	if cmd, ok := q.Pop(); ok {
		t.Fatalf("Pop on drained closed queue = %+v, true", cmd)
	}
}

func TestCommandQueueBlockingPop(t *testing.T) {
	q := NewCommandQueue()
	got := make(chan string, 1)
	go func() {
		cmd, _ := q.Pop()
		got <- cmd.MessageID
	}()
	if err := q.Push(&models.OutgoingCommand{Command: models.CommandAddMessage, MessageID: "x"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if id := <-got; id != "x" {
		t.Errorf("blocked Pop returned %q", id)
	}
}
