package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tinfoilsh/chatsync/internal/common"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. While an assistant turn is being
// generated IsStreaming is true; if generation fails the partial content is
// kept and StreamError records what happened.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Reasoning string    `json:"reasoning,omitempty"`
	Citations []string  `json:"citations,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	IsStreaming bool   `json:"isStreaming,omitempty"`
	StreamError string `json:"streamError,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`
}

// NewMessage creates a message authored now.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func (m Message) clone() Message {
	cp := m
	if m.Citations != nil {
		cp.Citations = append([]string(nil), m.Citations...)
	}
	if m.Attachments != nil {
		cp.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return cp
}

// AttachmentKind distinguishes documents from images.
type AttachmentKind string

const (
	AttachmentDocument AttachmentKind = "document"
	AttachmentImage    AttachmentKind = "image"
)

// AttachmentState is the processing state of an attachment payload.
type AttachmentState string

const (
	AttachmentPending    AttachmentState = "pending"
	AttachmentProcessing AttachmentState = "processing"
	AttachmentCompleted  AttachmentState = "completed"
	AttachmentFailed     AttachmentState = "failed"
)

// Attachment is a document or image payload attached to a message. The
// extracted text (documents) or base64 payload (images) is filled in when
// processing completes.
type Attachment struct {
	ID            string          `json:"id"`
	Kind          AttachmentKind  `json:"kind"`
	FileName      string          `json:"fileName"`
	State         AttachmentState `json:"state"`
	ExtractedText string          `json:"extractedText,omitempty"`
	Base64Data    string          `json:"base64Data,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// NewAttachment creates a pending attachment.
func NewAttachment(kind AttachmentKind, fileName string) Attachment {
	return Attachment{
		ID:       uuid.NewString(),
		Kind:     kind,
		FileName: fileName,
		State:    AttachmentPending,
	}
}

// validAttachmentTransitions: pending -> processing -> {completed, failed}.
var validAttachmentTransitions = map[AttachmentState][]AttachmentState{
	AttachmentPending:    {AttachmentProcessing},
	AttachmentProcessing: {AttachmentCompleted, AttachmentFailed},
}

// Transition moves the attachment to next, rejecting transitions the state
// machine does not allow.
func (a *Attachment) Transition(next AttachmentState) error {
	for _, allowed := range validAttachmentTransitions[a.State] {
		if next == allowed {
			a.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: attachment %s -> %s", common.ErrInvalidTransition, a.State, next)
}
