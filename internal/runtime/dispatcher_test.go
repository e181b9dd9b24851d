package runtime

import (
	"fmt"
	"testing"
	"time"

	"github.com/smturtle2/easierlit-sub000/internal/models"
)

func TestLaneForStable(t *testing.T) {
	for _, lanes := range []int{1, 2, 4, 8} {
		a := laneFor("thread-1", lanes)
		if a < 0 || a >= lanes {
			t.Fatalf("laneFor out of range: %d of %d", a, lanes)
		}
		for i := 0; i < 10; i++ {
			if got := laneFor("thread-1", lanes); got != a {
				t.Fatalf("laneFor not stable: %d then %d", a, got)
			}
		}
	}
}

func TestDispatcherPerThreadOrder(t *testing.T) {
	em := &recordingEmitter{}
	r := New(Opts{Hub: &mapHub{emitters: map[string]Emitter{"sess1": em}}})
	r.RegisterSession("sess1", "t1")

	q := NewCommandQueue()
	if err := r.StartDispatcher(q, 4); err != nil {
		t.Fatalf("StartDispatcher: %v", err)
	}
	var want []string
	for i := 0; i < 10; i++ {
		content := fmt.Sprintf("m%d", i)
		want = append(want, content)
		if err := q.Push(&models.OutgoingCommand{
			Command:  models.CommandAddMessage,
			ThreadID: "t1",
			Content:  content,
		}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	q.Close()
	r.StopDispatcher()

	got := em.sentOutputs()
	if len(got) != len(want) {
		t.Fatalf("delivered %d commands, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("out of order at %d: got %v", i, got)
		}
	}
}

func TestDispatcherLaneIsolation(t *testing.T) {
	const lanes = 2

	// Find two threads that hash to different lanes.
	slowThread := "slow-0"
	fastThread := ""
	for i := 0; i < 64; i++ {
		candidate := fmt.Sprintf("fast-%d", i)
		if laneFor(candidate, lanes) != laneFor(slowThread, lanes) {
			fastThread = candidate
			break
		}
	}
	if fastThread == "" {
		t.Fatal("no thread found on the other lane")
	}

	gate := make(chan struct{})
	slowEm := &recordingEmitter{onSend: func(*models.Step) { <-gate }}
	fastEm := &recordingEmitter{}
	r := New(Opts{Hub: &mapHub{emitters: map[string]Emitter{
		"slow-sess": slowEm,
		"fast-sess": fastEm,
	}}})
	r.RegisterSession("slow-sess", slowThread)
	r.RegisterSession("fast-sess", fastThread)

	q := NewCommandQueue()
	if err := r.StartDispatcher(q, lanes); err != nil {
		t.Fatalf("StartDispatcher: %v", err)
	}
	q.Push(&models.OutgoingCommand{Command: models.CommandAddMessage, ThreadID: slowThread, Content: "stuck"})
	for i := 0; i < 3; i++ {
		q.Push(&models.OutgoingCommand{Command: models.CommandAddMessage, ThreadID: fastThread, Content: fmt.Sprintf("f%d", i)})
	}

	// The fast lane must finish while the slow lane is still blocked.
	deadline := time.After(2 * time.Second)
	for len(fastEm.sentOutputs()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("fast lane starved behind slow lane: %v", fastEm.sentOutputs())
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(gate)
	q.Close()
	r.StopDispatcher()
}

func TestStartDispatcherTwice(t *testing.T) {
	r := New(Opts{})
	q := NewCommandQueue()
	if err := r.StartDispatcher(q, 1); err != nil {
		t.Fatalf("StartDispatcher: %v", err)
	}
	if err := r.StartDispatcher(q, 1); err != ErrDispatcherRunning {
		t.Errorf("second start = %v, want ErrDispatcherRunning", err)
	}
	r.StopDispatcher()

	// A stopped registry can host a fresh dispatcher.
	q2 := NewCommandQueue()
	if err := r.StartDispatcher(q2, 1); err != nil {
		t.Fatalf("restart: %v", err)
	}
	r.StopDispatcher()
}
