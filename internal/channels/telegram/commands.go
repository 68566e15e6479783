package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/chatrelay/internal/relay"
)

const helpText = `Commands:
/bind <session-id> — attach this chat to a web conversation
/help — show this message

Once bound, everything the visitor types appears here, and your replies go back to their browser.`

// handleCommand dispatches slash commands from agent chats.
func (c *Channel) handleCommand(ctx context.Context, message *telego.Message, threadID int) {
	parts := strings.Fields(message.Text)
	if len(parts) == 0 {
		return
	}
	// Strip the @botname suffix used in groups.
	cmd := strings.SplitN(parts[0], "@", 2)[0]

	switch cmd {
	case "/start", "/help":
		c.reply(ctx, message.Chat.ID, threadID, helpText)

	case "/bind":
		c.handleBind(ctx, message, threadID, parts[1:])

	default:
		slog.Debug("unknown telegram command ignored", "command", cmd, "chat_id", message.Chat.ID)
	}
}

// handleBind claims a web session for this chat (or this forum topic).
func (c *Channel) handleBind(ctx context.Context, message *telego.Message, threadID int, args []string) {
	if c.binder == nil {
		c.reply(ctx, message.Chat.ID, threadID, "Binding is not enabled on this instance.")
		return
	}
	if len(args) != 1 {
		c.reply(ctx, message.Chat.ID, threadID, "Usage: /bind <session-id>")
		return
	}

	sessionID := args[0]
	var topicID *int64
	if threadID > 0 {
		t := int64(threadID)
		topicID = &t
	}

	err := c.binder.Bind(ctx, sessionID, message.Chat.ID, topicID)
	switch {
	case err == nil:
		c.reply(ctx, message.Chat.ID, threadID, "Bound. Visitor messages for this conversation now arrive here.")
	case errors.Is(err, relay.ErrSessionNotFound):
		c.reply(ctx, message.Chat.ID, threadID, "No such session. Check the session id and try again.")
	default:
		slog.Error("bind command failed", "session", sessionID, "chat_id", message.Chat.ID, "error", err)
		c.reply(ctx, message.Chat.ID, threadID, "Binding failed, see server logs.")
	}
}

// reply sends a plain text response into the chat (and topic) the command
// came from. Send errors are logged, not propagated.
func (c *Channel) reply(ctx context.Context, chatID int64, threadID int, text string) {
	params := tu.Message(tu.ID(chatID), text)
	if tid := resolveThreadIDForSend(threadID); tid > 0 {
		params.MessageThreadID = tid
	}
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		slog.Warn("telegram reply failed", "chat_id", chatID, "error", err)
	}
}
