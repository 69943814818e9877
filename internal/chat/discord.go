// Package chat adapts a discordgo session to the narrow ChatClient/
// Poster interfaces the rest of the module depends on (spec.md §1:
// Discord is the only supported chat surface) and turns incoming
// Discord messages into conversation keys (spec.md glossary:
// `dm:<userId>`, `discord:<guildId>:channel:<cid>`,
// `discord:<guildId>:thread:<tid>`).
package chat

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Transport wraps a discordgo.Session, implementing internal/runner's
// ChatClient and internal/job's Poster against it.
type Transport struct {
	Session *discordgo.Session
}

// New opens nothing yet; call Open to start the gateway connection.
func New(token string) (*Transport, error) {
	sess, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("chat: create session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	return &Transport{Session: sess}, nil
}

// Open starts the gateway connection.
func (t *Transport) Open() error {
	if err := t.Session.Open(); err != nil {
		return fmt.Errorf("chat: open session: %w", err)
	}
	return nil
}

// Close tears down the gateway connection.
func (t *Transport) Close() error {
	return t.Session.Close()
}

// PostMessage implements internal/runner.ChatClient.
func (t *Transport) PostMessage(ctx context.Context, channelID, text string) (string, error) {
	msg, err := t.Session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("chat: post message: %w", err)
	}
	return msg.ID, nil
}

// EditMessage implements internal/runner.ChatClient.
func (t *Transport) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	if _, err := t.Session.ChannelMessageEdit(channelID, messageID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("chat: edit message: %w", err)
	}
	return nil
}

// SendFile implements internal/runner.ChatClient (spec.md §6 `/upload`).
func (t *Transport) SendFile(ctx context.Context, channelID, filename string, data []byte) error {
	_, err := t.Session.ChannelFileSendWithMessage(channelID, "", filename, bytes.NewReader(data), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("chat: send file %s: %w", filename, err)
	}
	return nil
}

// Post implements internal/job.Poster.
func (t *Transport) Post(ctx context.Context, channelID, text string) error {
	_, err := t.PostMessage(ctx, channelID, text)
	return err
}

// Router turns Discord message-create events into Dispatch calls, one
// per conversation key. It holds no orchestration logic itself — every
// decision about what to do with a message lives in the callback.
type Router struct {
	Session *discordgo.Session

	// BotUserID is an optional override for self-message filtering, for
	// callers/tests that haven't populated Session.State.User. When
	// Session.State.User is set (the normal case once connected), that
	// takes precedence — it can't go stale the way a value captured
	// once at startup could.
	BotUserID string

	// Dispatch is called once per non-bot message with the derived
	// conversation key, the channel the message arrived in, and its
	// text. Errors are the caller's concern to report back to chat.
	Dispatch func(ctx context.Context, convKey, channelID, authorID, text string)
}

// Install registers the router's handler on the session. Call before Open.
func (r *Router) Install() {
	r.Session.AddHandler(r.onMessageCreate)
}

func (r *Router) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	self := r.BotUserID
	if s.State != nil && s.State.User != nil {
		self = s.State.User.ID
	}
	if m.Author == nil || m.Author.Bot || m.Author.ID == self {
		return
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return
	}
	convKey := ConvKey(s, m.GuildID, m.ChannelID, m.Author.ID)
	r.Dispatch(context.Background(), convKey, m.ChannelID, m.Author.ID, m.Content)
}

// ConvKey derives the stable conversation key for a message (spec.md
// glossary): a DM keys on the author's user id (one conversation per
// user regardless of which DM channel id Discord assigned), a guild
// message keys on the channel or thread id.
func ConvKey(s *discordgo.Session, guildID, channelID, authorID string) string {
	if guildID == "" {
		return "dm:" + authorID
	}
	if isThread(s, channelID) {
		return fmt.Sprintf("discord:%s:thread:%s", guildID, channelID)
	}
	return fmt.Sprintf("discord:%s:channel:%s", guildID, channelID)
}

func isThread(s *discordgo.Session, channelID string) bool {
	ch, err := s.State.Channel(channelID)
	if err != nil {
		slog.Debug("chat: channel type lookup missed cache", "channel", channelID, "err", err)
		return false
	}
	return isThreadType(ch.Type)
}

func isThreadType(t discordgo.ChannelType) bool {
	switch t {
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		return true
	default:
		return false
	}
}
