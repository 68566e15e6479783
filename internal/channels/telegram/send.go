package telegram

import (
	"context"
	"fmt"
	"os"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

// Send delivers an outbound relay message into the bound chat. Media bodies
// are either local file paths (uploaded to Telegram) or URLs (passed through
// for Telegram to fetch).
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID := tu.ID(msg.ChatID)
	threadID := resolveThreadIDForSend(int(msg.TopicID))

	switch msg.Kind {
	case bus.KindText:
		params := tu.Message(chatID, msg.Body)
		params.MessageThreadID = threadID
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		return nil

	case bus.KindImage:
		file, cleanup, err := inputFileFor(msg.Body)
		if err != nil {
			return err
		}
		defer cleanup()
		params := tu.Photo(chatID, file)
		params.Caption = msg.Caption
		params.MessageThreadID = threadID
		if _, err := c.bot.SendPhoto(ctx, params); err != nil {
			return fmt.Errorf("send photo: %w", err)
		}
		return nil

	case bus.KindVideo:
		file, cleanup, err := inputFileFor(msg.Body)
		if err != nil {
			return err
		}
		defer cleanup()
		params := tu.Video(chatID, file)
		params.Caption = msg.Caption
		params.MessageThreadID = threadID
		if _, err := c.bot.SendVideo(ctx, params); err != nil {
			return fmt.Errorf("send video: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unsupported outbound kind %q", msg.Kind)
	}
}

// inputFileFor turns a media reference into a Telegram input file: existing
// local paths become uploads, anything else is treated as a URL. The cleanup
// func closes the opened file (a no-op for URLs).
func inputFileFor(ref string) (telego.InputFile, func(), error) {
	if _, err := os.Stat(ref); err == nil {
		f, err := os.Open(ref)
		if err != nil {
			return telego.InputFile{}, nil, fmt.Errorf("open media file: %w", err)
		}
		return tu.File(f), func() { f.Close() }, nil
	}
	return tu.FileFromURL(ref), func() {}, nil
}
