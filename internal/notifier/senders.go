package notifier

import (
	"context"
	"sync/atomic"

	kit "stockwatch/internal/transport"
	logx "stockwatch/pkg/logx"
)

const ChannelLog = "log"

// LogSender writes notifications to the structured log. It is always
// registered so alerts are visible without any messaging setup.
type LogSender struct {
	log logx.Logger
	seq atomic.Int64
}

func NewLogSender(log logx.Logger) *LogSender {
	return &LogSender{log: log.With(logx.String("comp", "notify.log"))}
}

func (l *LogSender) Channel() string { return ChannelLog }

func (l *LogSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	id := l.seq.Add(1)
	l.log.Info("notification", logx.String("text", text))
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: int(id)}, nil
}
