// Package history loads older chat pages and shapes stored messages into
// date sections for display.
package history

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/yarsha/chatsync/internal/remote"
	"github.com/yarsha/chatsync/internal/store"
	"github.com/yarsha/chatsync/internal/sync"
)

// chatCreatedText marks the beginning of chats written before the marker
// kind existed.
const chatCreatedText = "created the groupchat"

// Loader pages backwards through a chat's history. Fetched pages merge
// through the reconciliation engine, so a page overlapping already known
// messages changes nothing.
type Loader struct {
	db       *store.DB
	engine   *sync.Engine
	fetcher  remote.PageFetcher
	pageSize int
	log      *zap.Logger
}

// NewLoader creates a history loader.
func NewLoader(db *store.DB, engine *sync.Engine, fetcher remote.PageFetcher, pageSize int, logger *zap.Logger) *Loader {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Loader{
		db:       db,
		engine:   engine,
		fetcher:  fetcher,
		pageSize: pageSize,
		log:      logger.Named("history"),
	}
}

// LoadOlder fetches the page older than the oldest local message and merges
// it. It returns how many messages the page carried; zero means the top of
// the chat is reached. Once the chat-created marker is local, no further
// fetch ever happens.
func (l *Loader) LoadOlder(ctx context.Context, chatID string) (int, error) {
	earliest, err := l.db.Earliest(chatID)
	if err != nil {
		return 0, err
	}
	if atBeginning(earliest) {
		return 0, nil
	}

	var cursor int64
	if earliest != nil {
		cursor = earliest.CreatedAt
	}

	page, err := l.fetcher.FetchMessages(ctx, chatID, remote.DirectionBefore, cursor, l.pageSize)
	if err != nil {
		return 0, err
	}
	for _, msg := range page {
		if err := l.engine.ApplyMessage(msg); err != nil {
			return 0, err
		}
	}
	l.log.Debug("history page merged",
		zap.String("chat_id", chatID),
		zap.Int64("cursor", cursor),
		zap.Int("count", len(page)))
	return len(page), nil
}

// Page returns the local view of a chat page, newest first. beforeMs of
// zero starts from the newest message.
func (l *Loader) Page(chatID string, beforeMs int64) ([]*store.Message, error) {
	return l.db.ListMessages(chatID, beforeMs, l.pageSize)
}

func atBeginning(earliest *store.Message) bool {
	if earliest == nil {
		return false
	}
	if earliest.Kind == store.KindChatCreated {
		return true
	}
	return strings.Contains(earliest.Content, chatCreatedText)
}
