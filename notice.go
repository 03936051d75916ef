package moveit_sim

import (
	"context"
	"sync"

	"go.viam.com/rdk/logging"
)

// Notifier surfaces short human-readable notices to an operator.
type Notifier interface {
	Notice(msg string)
}

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Logger logging.Logger
}

func (n LogNotifier) Notice(msg string) {
	n.Logger.Infof("notice: %s", msg)
}

// NoticeFeed collects notices published by the remote side on a topic and
// fans them out to a local notifier. It keeps the most recent notices so they
// can be returned over DoCommand.
type NoticeFeed struct {
	mu      sync.Mutex
	recent  []string
	limit   int
	forward Notifier
}

func NewNoticeFeed(limit int, forward Notifier) *NoticeFeed {
	if limit <= 0 {
		limit = 20
	}
	return &NoticeFeed{limit: limit, forward: forward}
}

// Attach subscribes the feed to topic on bus.
func (f *NoticeFeed) Attach(bus Bus, topic string, logger logging.Logger) (func(), error) {
	return SubscribeTyped(bus, topic, logger, func(msg StringMsg) {
		f.Notice(msg.Data)
	})
}

func (f *NoticeFeed) Notice(msg string) {
	f.mu.Lock()
	f.recent = append(f.recent, msg)
	if len(f.recent) > f.limit {
		f.recent = f.recent[len(f.recent)-f.limit:]
	}
	f.mu.Unlock()
	if f.forward != nil {
		f.forward.Notice(msg)
	}
}

// Recent returns the retained notices, oldest first.
func (f *NoticeFeed) Recent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.recent...)
}

// PublishNotice sends a notice to the remote side.
func PublishNotice(ctx context.Context, bus Bus, topic, msg string) error {
	return bus.Publish(ctx, topic, StringMsg{Data: msg})
}
