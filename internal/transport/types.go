// Package transport defines the outbound messaging types shared by the
// notifier and its senders.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Channel  string // "log", "telegram"
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	// Key groups notifications for dedup. Empty falls back to a hash of the
	// text.
	Key     string
	Text    string
	Options *SendOptions
}

// Sender delivers one message on one channel.
type Sender interface {
	Channel() string
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
