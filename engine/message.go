package engine

import (
	"context"
	"strings"
	"time"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/logging"
	"github.com/hupe1980/assistantmesh/provider"
)

// PlaceholderText is sent when neither text nor an image survived input
// processing, so the run still has a user turn to answer.
const PlaceholderText = "(Attempt to send empty message or with failed image)"

// UserInput is the caller content of one turn.
type UserInput struct {
	Text  string
	Image *core.Image
}

// MessagePoster appends the caller's message to a thread and records it in
// the conversation store.
type MessagePoster struct {
	provider provider.Provider
	store    core.ConversationStore
	logger   logging.Logger
}

// NewMessagePoster creates a poster. store may be nil.
func NewMessagePoster(p provider.Provider, store core.ConversationStore, logger logging.Logger) *MessagePoster {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &MessagePoster{provider: p, store: store, logger: logger}
}

// Post uploads the image (if any), appends the user message to threadID and
// persists it. Upload failures are *core.AttachmentError, append failures
// *core.MessageError. Persistence failures are only logged.
func (m *MessagePoster) Post(ctx context.Context, threadID, assistantRef string, in UserInput) (core.Message, error) {
	var (
		parts       []core.ContentPart
		attachments []core.Attachment
	)
	if strings.TrimSpace(in.Text) != "" {
		parts = append(parts, core.TextPart(in.Text))
	}

	if in.Image != nil && len(in.Image.Data) > 0 {
		start := time.Now()
		fileID, err := m.provider.UploadImage(ctx, *in.Image)
		provider.LogCall(m.logger, m.provider.Name(), "upload_image", start, err)
		if err != nil {
			return core.Message{}, &core.AttachmentError{Err: err}
		}
		parts = append(parts, core.ImageFilePart(fileID))
		attachments = append(attachments, core.Attachment{FileID: fileID, Kind: "image", MIMEType: in.Image.MIMEType})
	}

	if len(parts) == 0 {
		m.logger.Warn("engine.message.empty", "thread_id", threadID)
		parts = append(parts, core.TextPart(PlaceholderText))
	}

	start := time.Now()
	msg, err := m.provider.AddMessage(ctx, threadID, parts)
	provider.LogCall(m.logger, m.provider.Name(), "add_message", start, err)
	if err != nil {
		return core.Message{}, &core.MessageError{ThreadID: threadID, Err: err}
	}

	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	msg.ThreadID = threadID
	msg.AssistantRef = assistantRef
	msg.Role = core.RoleUser
	if len(msg.Parts) == 0 {
		msg.Parts = parts
	}
	if msg.Content == "" {
		msg.Content = core.JoinText(msg.Parts)
	}
	if len(msg.Attachments) == 0 {
		msg.Attachments = attachments
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.logger.Debug("engine.message.added", "thread_id", threadID, "parts", len(parts))

	persist(ctx, m.store, m.logger, msg)
	return msg, nil
}

// persist writes msg to store. Errors never reach the caller.
func persist(ctx context.Context, store core.ConversationStore, logger logging.Logger, msg core.Message) {
	if store == nil {
		return
	}
	if err := store.Insert(context.WithoutCancel(ctx), msg); err != nil {
		logger.Warn("engine.persist.failed", "message_id", msg.ID, "thread_id", msg.ThreadID, "error", err)
	}
}
