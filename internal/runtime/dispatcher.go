package runtime

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"

	"github.com/smturtle2/easierlit-sub000/internal/models"
)

// ErrDispatcherRunning reports a second StartDispatcher on one registry.
var ErrDispatcherRunning = errors.New("runtime: dispatcher already running")

type dispatcher struct {
	source *CommandQueue
	lanes  []*CommandQueue
	wg     sync.WaitGroup
}

// laneFor assigns a thread to a lane by stable hash, so every command
// for one thread lands on the same lane and applies in queue order.
func laneFor(threadID string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(threadID))
	return int(h.Sum32() % uint32(lanes))
}

// StartDispatcher begins draining src into lane workers. Commands fan
// out by thread hash; the close sentinel shuts every lane down after
// its queued work is applied.
func (r *Registry) StartDispatcher(src *CommandQueue, lanes int) error {
	if lanes < 1 {
		return fmt.Errorf("runtime: lane count must be positive, got %d", lanes)
	}
	r.mu.Lock()
	if r.dispatcher != nil {
		r.mu.Unlock()
		return ErrDispatcherRunning
	}
	d := &dispatcher{source: src, lanes: make([]*CommandQueue, lanes)}
	for i := range d.lanes {
		d.lanes[i] = NewCommandQueue()
	}
	r.dispatcher = d
	r.mu.Unlock()

	for i := range d.lanes {
		d.wg.Add(1)
		go r.runLane(d, i)
	}
	d.wg.Add(1)
	go r.drain(d)
	return nil
}

// StopDispatcher closes the source queue (if the app has not already)
// and blocks until every lane has applied its remaining commands.
func (r *Registry) StopDispatcher() {
	r.mu.Lock()
	d := r.dispatcher
	r.mu.Unlock()
	if d == nil {
		return
	}
	d.source.Close()
	d.wg.Wait()
	r.mu.Lock()
	r.dispatcher = nil
	r.mu.Unlock()
}

func (r *Registry) drain(d *dispatcher) {
	defer d.wg.Done()
	for {
		cmd, ok := d.source.Pop()
		if !ok || cmd.Command == models.CommandClose {
			for _, lane := range d.lanes {
				lane.Close()
			}
			return
		}
		lane := laneFor(cmd.ThreadID, len(d.lanes))
		if err := d.lanes[lane].Push(cmd); err != nil {
			log.Printf("runtime: drop command %s for %s: %v", cmd.Command, cmd.ThreadID, err)
		}
	}
}

func (r *Registry) runLane(d *dispatcher, idx int) {
	defer d.wg.Done()
	for {
		cmd, ok := d.lanes[idx].Pop()
		if !ok || cmd.Command == models.CommandClose {
			return
		}
		if err := r.ApplyOutgoingCommand(context.Background(), cmd); err != nil {
			log.Printf("runtime: apply %s for thread %s: %v", cmd.Command, cmd.ThreadID, err)
		}
	}
}
