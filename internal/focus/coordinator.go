// Package focus tracks which chat is open. Opening a chat subscribes it on
// the stream and catches up on anything missed; subscriptions stay alive
// after the chat loses focus so later events keep reconciling in the
// background.
package focus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Subscriber registers chats on the event stream.
type Subscriber interface {
	Subscribe(chatID string) error
	Unsubscribe(chatID string) error
}

// Backfiller catches a chat up to the remote state.
type Backfiller interface {
	Backfill(ctx context.Context, chatID string) error
}

// Coordinator holds the single open chat.
type Coordinator struct {
	stream Subscriber
	engine Backfiller
	log    *zap.Logger

	mu   sync.Mutex
	open string
}

// NewCoordinator creates a focus coordinator.
func NewCoordinator(stream Subscriber, engine Backfiller, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		stream: stream,
		engine: engine,
		log:    logger.Named("focus"),
	}
}

// Open focuses a chat: at most one chat is open at a time, and reopening
// the focused chat changes nothing. The first open of a chat subscribes it
// and backfills missed messages.
func (c *Coordinator) Open(ctx context.Context, chatID string) error {
	c.mu.Lock()
	already := c.open == chatID
	c.open = chatID
	c.mu.Unlock()
	if already {
		return nil
	}

	if err := c.stream.Subscribe(chatID); err != nil {
		return err
	}
	if err := c.engine.Backfill(ctx, chatID); err != nil {
		// The subscription is live; stream events will fill the gap.
		c.log.Warn("backfill on open failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	return nil
}

// Close clears the focus. The chat stays subscribed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.open = ""
	c.mu.Unlock()
}

// Current returns the focused chat id, empty when none.
func (c *Coordinator) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}
