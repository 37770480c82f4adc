// Package telegram delivers operator messages to one Telegram chat. It only
// sends; the service takes no commands over Telegram.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

// MaxMessageLen is Telegram's limit for one text message, in runes.
const MaxMessageLen = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Offline skips the getMe handshake. Used in tests.
	Offline bool
}

// Poster is the part of *tele.Bot the client uses.
type Poster interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type Client struct {
	bot    Poster
	chat   *tele.Chat
	thread int
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	return NewWithPoster(b, cfg.ChatID, cfg.ThreadID), nil
}

func NewWithPoster(p Poster, chatID int64, threadID int) *Client {
	return &Client{bot: p, chat: &tele.Chat{ID: chatID}, thread: threadID}
}

// SendText posts text, split into as many messages as needed.
func (c *Client) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: c.thread}
	for _, part := range Split(text, MaxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.bot.Send(c.chat, part, opt); err != nil {
			var flood tele.FloodError
			if errors.As(err, &flood) && flood.RetryAfter > 0 {
				t := time.NewTimer(time.Duration(flood.RetryAfter) * time.Second)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
				if _, err := c.bot.Send(c.chat, part, opt); err != nil {
					return err
				}
				continue
			}
			return err
		}
	}
	return nil
}

// Split cuts s into chunks of at most limit runes, preferring line breaks.
func Split(s string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var out []string
	for utf8.RuneCountInString(s) > limit {
		cut := byteIndexOfRune(s, limit)
		// s[cut] may itself be the break; a newline never sits inside a rune.
		if nl := strings.LastIndexByte(s[:cut+1], '\n'); nl > 0 {
			out = append(out, s[:nl])
			s = s[nl+1:]
			continue
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// byteIndexOfRune returns the byte offset of the n-th rune of s.
func byteIndexOfRune(s string, n int) int {
	i := 0
	for off := range s {
		if i == n {
			return off
		}
		i++
	}
	return len(s)
}
