package models

import "time"

// Step types that GetMessages surfaces as conversation history.
const (
	StepTypeUserMessage      = "user_message"
	StepTypeAssistantMessage = "assistant_message"
	StepTypeSystemMessage    = "system_message"
	StepTypeTool             = "tool"
)

// Step is one persisted entry in a thread: a message, a tool call, or a
// run marker.
type Step struct {
	ID            string         `gorm:"column:id;primaryKey;size:36"`
	Name          string         `gorm:"column:name;size:255"`
	Type          string         `gorm:"column:type;size:64;index"`
	ThreadID      string         `gorm:"column:threadId;size:36;index;not null"`
	ParentID      *string        `gorm:"column:parentId;size:36"`
	Streaming     bool           `gorm:"column:streaming"`
	WaitForAnswer bool           `gorm:"column:waitForAnswer"`
	IsError       bool           `gorm:"column:isError"`
	Metadata      map[string]any `gorm:"column:metadata;serializer:json"`
	Tags          []string       `gorm:"column:tags;serializer:json"`
	Input         string         `gorm:"column:input;type:text"`
	Output        string         `gorm:"column:output;type:text"`
	CreatedAt     time.Time      `gorm:"column:createdAt"`
	Start         *time.Time     `gorm:"column:start"`
	End           *time.Time     `gorm:"column:end"`
	Generation    map[string]any `gorm:"column:generation;serializer:json"`
	ShowInput     string         `gorm:"column:showInput;size:32"`
	Language      string         `gorm:"column:language;size:64"`
	DefaultOpen   bool           `gorm:"column:defaultOpen"`
}

func (Step) TableName() string { return "steps" }

// Feedback is a persisted user rating attached to a step.
type Feedback struct {
	ID       string  `gorm:"column:id;primaryKey;size:36"`
	ForID    string  `gorm:"column:forId;size:36;index;not null"`
	ThreadID string  `gorm:"column:threadId;size:36;index"`
	Value    int     `gorm:"column:value"`
	Comment  *string `gorm:"column:comment;type:text"`
}

func (Feedback) TableName() string { return "feedbacks" }
