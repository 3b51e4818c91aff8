package core

import (
	"strings"
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Content part kinds.
const (
	PartTypeText      = "text"
	PartTypeImageFile = "image_file"
)

// ContentPart is one typed element of a message body.
type ContentPart struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart { return ContentPart{Type: PartTypeText, Text: text} }

// ImageFilePart builds an image_file content part referencing an uploaded file.
func ImageFilePart(fileID string) ContentPart {
	return ContentPart{Type: PartTypeImageFile, FileID: fileID}
}

// Attachment references a binary uploaded alongside a message.
type Attachment struct {
	FileID   string `json:"file_id"`
	Kind     string `json:"kind"`
	MIMEType string `json:"mime_type,omitempty"`
}

// Message is an immutable conversation entry. Content holds the flattened
// text used for persistence and search; Parts keeps the typed body as
// reported by the provider.
type Message struct {
	ID           string        `json:"id"`
	ThreadID     string        `json:"thread_id"`
	RunID        string        `json:"run_id,omitempty"`
	AssistantRef string        `json:"assistant_ref,omitempty"`
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	Parts        []ContentPart `json:"parts,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	Attachments  []Attachment  `json:"attachments,omitempty"`
}

// FirstText returns the first non-empty text part.
func (m Message) FirstText() (string, bool) {
	for _, p := range m.Parts {
		if p.Type == PartTypeText && p.Text != "" {
			return p.Text, true
		}
	}
	return "", false
}

// JoinText concatenates all text parts.
func JoinText(parts []ContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type != PartTypeText || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// Image is a decoded binary image attached to an inbound request.
type Image struct {
	Data     []byte
	MIMEType string
	Filename string
}
