package controllers

import (
	"chatline/chatline/services/llm"
	"chatline/chatline/sources/psql/models"
	"chatline/chatline/sources/storage"
	"chatline/chatline/utils/logging"
	"chatline/chatline/utils/metrics"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FallbackReply is stored as the assistant turn when generation fails.
const FallbackReply = "I'm sorry, I encountered an error and couldn't process your request."

var (
	// ErrPersistence wraps every store failure inside the pipeline.
	ErrPersistence        = errors.New("failed to persist message")
	ErrChatNotFound       = errors.New("chat not found")
	ErrArchiveUnavailable = errors.New("transcript archive is not configured")
	ErrTranscriptNotFound = storage.ErrTranscriptNotFound
)

type ChatStore interface {
	CreateRoom(ctx context.Context, userID, title string) (*models.ChatRoom, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]models.ChatRoom, error)
	GetRoom(ctx context.Context, roomID, userID string) (*models.ChatRoom, error)
	AppendMessage(ctx context.Context, roomID, userID, role, content string, metadata *models.MessageMetadata) (*models.Message, error)
	ListMessages(ctx context.Context, roomID, userID string) ([]models.Message, error)
}

type ReplyGenerator interface {
	Generate(ctx context.Context, history []models.Message, prompt string) (llm.Reply, error)
	Model() string
}

// TranscriptArchive stores serialized room histories by key.
type TranscriptArchive interface {
	UploadTranscript(ctx context.Context, roomID string, data []byte) (string, error)
	GetTranscript(ctx context.Context, key string) ([]byte, error)
}

type ChatController struct {
	store     ChatStore
	generator ReplyGenerator
	archive   TranscriptArchive
}

// NewChatController wires the pipeline. archive may be nil.
func NewChatController(store ChatStore, generator ReplyGenerator, archive TranscriptArchive) *ChatController {
	return &ChatController{store: store, generator: generator, archive: archive}
}

func (c *ChatController) CreateRoom(ctx context.Context, userID, title string) (*models.ChatRoom, error) {
	return c.store.CreateRoom(ctx, userID, title)
}

func (c *ChatController) ListRooms(ctx context.Context, userID string) ([]models.ChatRoom, error) {
	return c.store.ListRoomsForUser(ctx, userID)
}

// GetRoom returns ErrChatNotFound when the room is missing or not owned.
func (c *ChatController) GetRoom(ctx context.Context, roomID, userID string) (*models.ChatRoom, error) {
	room, err := c.store.GetRoom(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrChatNotFound
	}
	return room, nil
}

func (c *ChatController) GetMessages(ctx context.Context, roomID, userID string) ([]models.Message, error) {
	if _, err := c.GetRoom(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return c.store.ListMessages(ctx, roomID, userID)
}

// ProcessUserMessage runs one inbound message through the pipeline and returns
// the persisted user and assistant records, in that order. Generation failures
// never surface as errors; they produce a fallback assistant record instead.
func (c *ChatController) ProcessUserMessage(ctx context.Context, roomID, userID, content string) (*models.Message, *models.Message, error) {
	defer logging.LogDuration(ctx, "process_user_message")()
	start := time.Now()

	userMsg, err := c.store.AppendMessage(ctx, roomID, userID, models.RoleUser, content, nil)
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("persistence_error").Inc()
		return nil, nil, fmt.Errorf("%w: user message: %w", ErrPersistence, err)
	}

	history, err := c.store.ListMessages(ctx, roomID, userID)
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("persistence_error").Inc()
		return nil, nil, fmt.Errorf("%w: load history: %w", ErrPersistence, err)
	}
	if len(history) == 0 {
		logging.AppLogger.Warn("history empty right after append",
			zap.String("chat_id", roomID),
			zap.String("message_id", userMsg.ID.String()),
		)
		history = []models.Message{*userMsg}
	}

	replyText, metadata := c.reply(ctx, roomID, history, content)

	assistantMsg, err := c.store.AppendMessage(ctx, roomID, userID, models.RoleAssistant, replyText, metadata)
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("persistence_error").Inc()
		return nil, nil, fmt.Errorf("%w: assistant message: %w", ErrPersistence, err)
	}

	metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	if metadata.Error != "" {
		metrics.MessagesProcessed.WithLabelValues("fallback").Inc()
	} else {
		metrics.MessagesProcessed.WithLabelValues("ok").Inc()
	}
	return userMsg, assistantMsg, nil
}

func (c *ChatController) reply(ctx context.Context, roomID string, history []models.Message, prompt string) (string, *models.MessageMetadata) {
	reply, err := c.generator.Generate(ctx, history, prompt)
	if err != nil {
		metrics.GenerationFailures.Inc()
		logging.ErrorLogger.Error("reply generation failed",
			zap.String("chat_id", roomID),
			zap.String("model", c.generator.Model()),
			zap.Error(err),
		)
		return FallbackReply, &models.MessageMetadata{Model: c.generator.Model(), Error: err.Error()}
	}
	return reply.Content, &reply.Metadata
}

type transcript struct {
	Room       models.ChatRoom  `json:"room"`
	Messages   []models.Message `json:"messages"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// ArchiveRoom writes the room and its full history to the transcript archive.
func (c *ChatController) ArchiveRoom(ctx context.Context, roomID, userID string) (string, error) {
	if c.archive == nil {
		return "", ErrArchiveUnavailable
	}
	room, err := c.GetRoom(ctx, roomID, userID)
	if err != nil {
		return "", err
	}
	msgs, err := c.store.ListMessages(ctx, roomID, userID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(transcript{Room: *room, Messages: msgs, ArchivedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	key, err := c.archive.UploadTranscript(ctx, room.ID.String(), data)
	if err != nil {
		return "", fmt.Errorf("upload transcript: %w", err)
	}
	logging.AppLogger.Info("chat transcript archived",
		zap.String("chat_id", roomID),
		zap.String("key", key),
		zap.Int("messages", len(msgs)),
	)
	return key, nil
}

// GetTranscript returns a transcript previously archived for a room the user
// owns. Keys outside that room's prefix are treated as missing.
func (c *ChatController) GetTranscript(ctx context.Context, roomID, userID, key string) ([]byte, error) {
	if c.archive == nil {
		return nil, ErrArchiveUnavailable
	}
	room, err := c.GetRoom(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if path.Clean(key) != key || !strings.HasPrefix(key, storage.TranscriptPrefix(room.ID.String())) {
		return nil, ErrTranscriptNotFound
	}
	return c.archive.GetTranscript(ctx, key)
}
