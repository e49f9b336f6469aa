// Package telegram forwards operator notifications (warnings, run summaries)
// to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

var ErrNoChat = errors.New("telegram: chat id is required")

type Options struct {
	Token    string
	ChatID   int64
	ThreadID int
	// URL overrides the Bot API endpoint; empty uses the public API.
	URL string
}

// Sink implements logx.Sender on top of a telebot client that never polls.
type Sink struct {
	bot      *tele.Bot
	chat     tele.ChatID
	threadID int
}

func New(opt Options) (*Sink, error) {
	if strings.TrimSpace(opt.Token) == "" {
		return nil, errors.New("telegram: token is required")
	}
	if opt.ChatID == 0 {
		return nil, ErrNoChat
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   opt.Token,
		URL:     opt.URL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sink{bot: bot, chat: tele.ChatID(opt.ChatID), threadID: opt.ThreadID}, nil
}

// SendText delivers text in chunks below the Bot API message limit.
func (s *Sink) SendText(ctx context.Context, text string) error {
	for _, chunk := range split(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.bot.Send(s.chat, chunk, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              s.threadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// split cuts s into chunks of at most limit runes, preferring newline
// boundaries that keep chunks above a third of the limit.
func split(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
