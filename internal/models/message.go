package models

import "time"

// Outgoing command verbs understood by the dispatcher.
const (
	CommandAddMessage    = "add_message"
	CommandAddTool       = "add_tool"
	CommandUpdateMessage = "update_message"
	CommandUpdateTool    = "update_tool"
	CommandDelete        = "delete"
	CommandClose         = "close"
)

// IncomingMessage is a user message handed to worker code. It is a
// value snapshot: the dispatcher never mutates it after hand-off.
type IncomingMessage struct {
	ThreadID  string
	SessionID string
	MessageID string
	Content   string
	Elements  []*Element
	Author    string
	CreatedAt time.Time
	Metadata  map[string]any
}

// OutgoingCommand is one queued UI/persistence mutation. Commands for
// the same thread apply in enqueue order.
type OutgoingCommand struct {
	Command   string
	ThreadID  string
	MessageID string
	Content   string
	Elements  []*Element
	Author    string
	StepType  string
	Metadata  map[string]any
}

// NewOutgoingCommand fills the defaults the queue relies on; callers
// set ids and payload fields afterwards.
func NewOutgoingCommand(command, threadID string) *OutgoingCommand {
	return &OutgoingCommand{
		Command:  command,
		ThreadID: threadID,
		Author:   "Assistant",
	}
}
