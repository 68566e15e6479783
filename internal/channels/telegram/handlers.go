package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
)

// handleMessage normalizes an incoming Telegram message into a bus event.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	// Skip service messages (member added/removed, title changed, etc.).
	// These have no text/caption and no meaningful media.
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	user := message.From
	if user == nil {
		return
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	// Forum detection. For non-forum groups message_thread_id is reply
	// context, not a topic. For forum groups without message_thread_id,
	// default to the General topic (ID=1).
	isForum := isGroup && message.Chat.IsForum
	messageThreadID := 0
	if isForum {
		messageThreadID = message.MessageThreadID
		if messageThreadID == 0 {
			messageThreadID = telegramGeneralTopicID
		}
	}

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", message.Chat.ID,
		"thread_id", messageThreadID,
		"user_id", user.ID,
		"text_preview", channels.Truncate(message.Text, 60),
	)

	if strings.HasPrefix(message.Text, "/") {
		c.handleCommand(ctx, message, messageThreadID)
		return
	}

	ev := bus.InboundEvent{
		Channel:           c.Name(),
		ChatID:            message.Chat.ID,
		TopicID:           int64(messageThreadID),
		SenderID:          user.ID,
		ExternalMessageID: int64(message.MessageID),
		Caption:           message.Caption,
	}

	switch {
	case message.Photo != nil:
		// Highest resolution is the last element.
		photo := message.Photo[len(message.Photo)-1]
		url, err := c.fileURL(ctx, photo.FileID)
		if err != nil {
			slog.Warn("failed to resolve photo file", "file_id", photo.FileID, "error", err)
			return
		}
		ev.Kind = bus.KindImage
		ev.Body = url
	case message.Video != nil:
		url, err := c.fileURL(ctx, message.Video.FileID)
		if err != nil {
			slog.Warn("failed to resolve video file", "file_id", message.Video.FileID, "error", err)
			return
		}
		ev.Kind = bus.KindVideo
		ev.Body = url
	case message.Text != "":
		ev.Kind = bus.KindText
		ev.Body = message.Text
	default:
		slog.Debug("telegram message kind unsupported, skipped", "chat_id", message.Chat.ID)
		return
	}

	if !c.Bus().PublishInbound(ev) {
		slog.Warn("inbound bus full, telegram message dropped",
			"chat_id", message.Chat.ID, "message_id", message.MessageID)
	}
}

// fileURL resolves a Telegram file_id into its Bot API download URL.
// The URL embeds the bot token; it is stored as the message body and proxied
// to the visitor, matching how Telegram itself serves bot files.
func (c *Channel) fileURL(ctx context.Context, fileID string) (string, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	return fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath), nil
}

// isServiceMessage returns true if the Telegram message is a service/system
// message (member added/removed, title changed, pinned, etc.) rather than a
// user-sent message. Service messages have no text, caption, or media content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Video != nil || msg.Document != nil ||
		msg.Audio != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil {
		return false
	}
	return true
}
