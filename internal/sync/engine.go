// Package sync reconciles remote events into the local message store. Every
// handler is idempotent: the stream replays events after reconnects and
// backfill pages overlap it, so applying the same event twice must land on
// the same rows.
package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yarsha/chatsync/internal/bus"
	"github.com/yarsha/chatsync/internal/linkscan"
	"github.com/yarsha/chatsync/internal/remote"
	"github.com/yarsha/chatsync/internal/store"
	"github.com/yarsha/chatsync/internal/upload"
)

const backfillPageSize = 100

// Engine consumes remote events from the bus and applies them to the store.
type Engine struct {
	db      *store.DB
	bus     *bus.Bus
	fetcher remote.PageFetcher
	log     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates the reconciliation engine.
func NewEngine(db *store.DB, b *bus.Bus, fetcher remote.PageFetcher, logger *zap.Logger) *Engine {
	return &Engine{
		db:      db,
		bus:     b,
		fetcher: fetcher,
		log:     logger.Named("sync"),
		done:    make(chan struct{}),
	}
}

// Start subscribes to remote events and applies them until Close.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	events, unsub := e.bus.Subscribe("remote.", 256)
	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if err := e.apply(ev); err != nil {
					e.log.Warn("apply remote event failed",
						zap.String("kind", ev.Kind), zap.Error(err))
				}
			}
		}
	}()
}

// Close stops the engine.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	return nil
}

func (e *Engine) apply(ev bus.Event) error {
	switch ev.Kind {
	case bus.KindRemoteMessage:
		msg, ok := ev.Payload.(remote.InboundMessage)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		return e.applyMessage(msg)
	case bus.KindRemoteReaction:
		r, ok := ev.Payload.(remote.InboundReaction)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		return e.db.AddReaction(r.MessageServerID, store.Reaction{
			Emoji:       r.Emoji,
			ReactorID:   r.ReactorID,
			ReactorName: r.ReactorName,
			Timestamp:   r.Timestamp,
		})
	case bus.KindRemotePin:
		p, ok := ev.Payload.(remote.InboundPin)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		return e.db.SetPinned(p.MessageServerID, p.Pinned)
	}
	return nil
}

// ApplyMessage merges one remote message into the store. History pages go
// through the same path as stream events, so both converge identically.
func (e *Engine) ApplyMessage(msg remote.InboundMessage) error {
	return e.applyMessage(msg)
}

// applyMessage merges one remote message. An echo of our own send is
// recognized by its client id and folded onto the optimistic row, keeping
// its local timestamp so the chat does not reorder under the reader. A
// foreign message gets a synthetic client id derived from its server id,
// which makes replays converge on one row.
func (e *Engine) applyMessage(msg remote.InboundMessage) error {
	clientID := msg.ClientMsgID
	if clientID == "" {
		clientID = "srv:" + msg.ServerID
	}

	existing, err := e.db.GetByClientID(clientID)
	if err != nil {
		return err
	}
	if existing != nil {
		sent := store.StatusSent
		return e.db.UpdateFields(clientID, store.Fields{
			ServerID: &msg.ServerID,
			Status:   &sent,
		})
	}

	return e.db.UpsertMessage(&store.Message{
		ClientMsgID: clientID,
		ServerID:    msg.ServerID,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		Kind:        inferKind(msg),
		Status:      store.StatusSent,
		Multimedia:  attachmentsFromMedia(msg.Multimedia),
		Transaction: msg.Transaction,
		ReplyTo:     msg.ReplyTo,
		CreatedAt:   msg.Timestamp,
	})
}

// attachmentsFromMedia converts remote media descriptors into stored
// attachments. Inbound media already lives in blob storage, so every
// attachment lands completed with its read URL carried over.
func attachmentsFromMedia(media []remote.Media) []store.Attachment {
	if len(media) == 0 {
		return nil
	}
	atts := make([]store.Attachment, len(media))
	for i, m := range media {
		atts[i] = store.Attachment{
			Name:           m.Name,
			FilePath:       m.FilePath,
			MimeType:       m.MimeType,
			Width:          m.Width,
			Height:         m.Height,
			Size:           m.Size,
			State:          store.UploadCompleted,
			SignedURL:      m.SignedURL,
			ExpirationTime: m.ExpirationTime,
		}
	}
	return atts
}

// inferKind fills in the kind when the remote event leaves it open: media
// kinds come from the attachments' mime types, Giphy links render as gifs,
// everything else is text.
func inferKind(msg remote.InboundMessage) store.Kind {
	if k := store.Kind(msg.Kind); k.Valid() && k != store.KindText {
		return k
	}
	if len(msg.Multimedia) > 0 {
		return upload.KindFor(attachmentsFromMedia(msg.Multimedia))
	}
	if linkscan.IsGiphyURL(msg.Content) {
		return store.KindGif
	}
	if k := store.Kind(msg.Kind); k.Valid() {
		return k
	}
	return store.KindText
}

// Backfill pulls messages newer than the latest local row, catching up after
// downtime. The newest local timestamp is the cursor; an empty chat starts
// from the remote edge.
func (e *Engine) Backfill(ctx context.Context, chatID string) error {
	latest, err := e.db.Latest(chatID)
	if err != nil {
		return err
	}
	var cursor int64
	if latest != nil {
		cursor = latest.CreatedAt
	}

	for {
		page, err := e.fetcher.FetchMessages(ctx, chatID, remote.DirectionAfter, cursor, backfillPageSize)
		if err != nil {
			return fmt.Errorf("backfill %s: %w", chatID, err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, msg := range page {
			if err := e.applyMessage(msg); err != nil {
				return err
			}
			if msg.Timestamp > cursor {
				cursor = msg.Timestamp
			}
		}
		if len(page) < backfillPageSize {
			return nil
		}
	}
}
