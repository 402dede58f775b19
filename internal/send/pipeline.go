// Package send implements the outbound pipeline: compose, validate,
// optimistic local insert, attachment uploads, remote delivery, and final
// status accounting. Remote failures never surface to the caller; they land
// on the stored message as a failed status.
package send

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yarsha/chatsync/internal/bus"
	"github.com/yarsha/chatsync/internal/linkscan"
	"github.com/yarsha/chatsync/internal/remote"
	"github.com/yarsha/chatsync/internal/store"
	"github.com/yarsha/chatsync/internal/upload"
)

var (
	// ErrEmptyContent rejects a message with nothing to deliver.
	ErrEmptyContent = errors.New("send: empty content")

	// ErrStillSyncing rejects a send while the chat's previous message is
	// still in flight. At most one non-media send per chat at a time.
	ErrStillSyncing = errors.New("send: previous message still syncing")

	// ErrNotFound is returned by Retry for an unknown message.
	ErrNotFound = errors.New("send: message not found")
)

// Intent is a composed message before it enters the pipeline.
type Intent struct {
	ChatID      string
	SenderID    string
	Content     string
	Kind        store.Kind // inferred when empty
	Attachments []store.Attachment
	Transaction *store.Transaction
	ReplyTo     *store.ReplyRef
}

// Result is the payload of send.ack and send.failed bus events.
type Result struct {
	ChatID      string
	ClientMsgID string
	ServerID    string
	Err         string
}

// Pipeline owns outbound delivery. Send returns as soon as the optimistic
// row exists; uploads and the remote call continue on the pipeline's own
// context so an abandoned caller never cancels a send half-way.
type Pipeline struct {
	db      *store.DB
	sender  remote.MessageSender
	uploads *upload.Manager
	scanner *linkscan.Scanner
	bus     *bus.Bus
	log     *zap.Logger

	mu   sync.Mutex
	base context.Context
	wg   sync.WaitGroup
}

// NewPipeline creates the outbound pipeline.
func NewPipeline(db *store.DB, sender remote.MessageSender, uploads *upload.Manager, scanner *linkscan.Scanner, b *bus.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		db:      db,
		sender:  sender,
		uploads: uploads,
		scanner: scanner,
		bus:     b,
		log:     logger.Named("send"),
	}
}

// Start binds the pipeline's background work to the given context.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()
}

// Close waits for in-flight deliveries to settle.
func (p *Pipeline) Close() error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		p.log.Warn("timed out waiting for in-flight sends")
	}
	return nil
}

// Send validates the intent, inserts the optimistic row, and schedules
// delivery. It returns the client message id; delivery outcome lands on the
// stored message and the bus, never on this return.
func (p *Pipeline) Send(ctx context.Context, intent Intent) (string, error) {
	kind := p.classify(intent)

	if intent.Content == "" && len(intent.Attachments) == 0 && !kind.ContentOptional() {
		return "", ErrEmptyContent
	}

	// Media sends are exempt: uploads may take long and must not freeze
	// the chat's text lane.
	if len(intent.Attachments) == 0 {
		if err := p.guard(intent.ChatID); err != nil {
			return "", err
		}
	}

	msg := &store.Message{
		ClientMsgID: uuid.NewString(),
		ChatID:      intent.ChatID,
		SenderID:    intent.SenderID,
		Content:     intent.Content,
		Kind:        kind,
		Status:      store.StatusPending,
		Multimedia:  initialAttachments(intent.Attachments),
		Transaction: intent.Transaction,
		ReplyTo:     intent.ReplyTo,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if len(msg.Multimedia) > 0 {
		msg.Status = store.StatusUploading
	}
	if err := p.db.InsertMessage(msg); err != nil {
		return "", err
	}

	p.spawn(func(ctx context.Context) { p.deliver(ctx, msg.ClientMsgID) })

	// A bare URL may turn out to be a blink; classification needs network
	// lookups, so the kind is rewritten after the fact.
	if kind == store.KindText {
		if rawURL, ok := linkscan.BareURL(intent.Content); ok {
			p.spawn(func(ctx context.Context) { p.reclassify(ctx, msg.ClientMsgID, rawURL) })
		}
	}
	return msg.ClientMsgID, nil
}

// Retry re-enters the pipeline for a failed message. Uploads resume from
// their frozen stage; nothing restarts from scratch.
func (p *Pipeline) Retry(ctx context.Context, clientMsgID string) error {
	msg, err := p.db.GetByClientID(clientMsgID)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrNotFound
	}
	if msg.Status != store.StatusFailed {
		return nil
	}
	next := store.StatusPending
	if hasUnfinishedUploads(msg.Multimedia) {
		next = store.StatusUploading
	}
	if err := p.db.UpdateStatus(clientMsgID, next); err != nil {
		return err
	}
	p.spawn(func(ctx context.Context) { p.deliver(ctx, clientMsgID) })
	return nil
}

// classify picks the message kind when the intent leaves it open.
func (p *Pipeline) classify(intent Intent) store.Kind {
	if intent.Kind != "" {
		return intent.Kind
	}
	if len(intent.Attachments) > 0 {
		return upload.KindFor(intent.Attachments)
	}
	if intent.Transaction != nil {
		return store.KindTransaction
	}
	if linkscan.HasActionScheme(intent.Content) {
		return store.KindBlink
	}
	if linkscan.IsGiphyURL(intent.Content) {
		return store.KindGif
	}
	return store.KindText
}

func (p *Pipeline) guard(chatID string) error {
	for _, st := range []store.Status{store.StatusPending, store.StatusSyncing} {
		inflight, err := p.db.FindByStatus(chatID, st)
		if err != nil {
			return err
		}
		if inflight != nil {
			return ErrStillSyncing
		}
	}
	return nil
}

func (p *Pipeline) spawn(fn func(context.Context)) {
	p.mu.Lock()
	ctx := p.base
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(ctx)
	}()
}

// deliver drives one message to sent or failed.
func (p *Pipeline) deliver(ctx context.Context, clientMsgID string) {
	msg, err := p.db.GetByClientID(clientMsgID)
	if err != nil || msg == nil {
		p.log.Warn("deliver: message vanished", zap.String("client_msg_id", clientMsgID), zap.Error(err))
		return
	}

	var media []remote.Media
	if len(msg.Multimedia) > 0 {
		final, upErr := p.uploads.UploadAll(ctx, msg)
		media = upload.Completed(final)
		if len(media) == 0 {
			p.fail(msg, upErr)
			return
		}
		if upErr != nil {
			// Partial failure: the message still goes out with what
			// finished; frozen attachments stay on the row for retry.
			p.log.Warn("sending with partial attachments",
				zap.String("client_msg_id", clientMsgID),
				zap.Int("completed", len(media)),
				zap.Int("total", len(msg.Multimedia)),
				zap.Error(upErr))
		}
	}

	if err := p.db.UpdateStatus(clientMsgID, store.StatusSyncing); err != nil {
		p.log.Warn("mark syncing failed", zap.String("client_msg_id", clientMsgID), zap.Error(err))
	}

	ack, err := p.sender.SendMessage(ctx, remote.OutboundMessage{
		ClientMsgID: msg.ClientMsgID,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		Kind:        string(msg.Kind),
		Multimedia:  media,
		Transaction: msg.Transaction,
		ReplyTo:     msg.ReplyTo,
		Timestamp:   msg.CreatedAt,
	})
	if err != nil {
		p.fail(msg, err)
		return
	}

	if err := p.db.SetServerID(clientMsgID, ack.ServerID); err != nil {
		p.log.Warn("record server id failed", zap.String("client_msg_id", clientMsgID), zap.Error(err))
	}
	if err := p.db.UpdateStatus(clientMsgID, store.StatusSent); err != nil {
		p.log.Warn("mark sent failed", zap.String("client_msg_id", clientMsgID), zap.Error(err))
	}
	p.publish(bus.KindSendAck, Result{
		ChatID: msg.ChatID, ClientMsgID: clientMsgID, ServerID: ack.ServerID,
	})
	p.log.Info("message delivered",
		zap.String("client_msg_id", clientMsgID),
		zap.String("server_id", ack.ServerID))
}

func (p *Pipeline) fail(msg *store.Message, cause error) {
	if err := p.db.UpdateStatus(msg.ClientMsgID, store.StatusFailed); err != nil {
		p.log.Warn("mark failed failed", zap.String("client_msg_id", msg.ClientMsgID), zap.Error(err))
	}
	res := Result{ChatID: msg.ChatID, ClientMsgID: msg.ClientMsgID}
	if cause != nil {
		res.Err = cause.Error()
	}
	p.publish(bus.KindSendFailed, res)
	p.log.Warn("message delivery failed",
		zap.String("client_msg_id", msg.ClientMsgID), zap.Error(cause))
}

func (p *Pipeline) reclassify(ctx context.Context, clientMsgID, rawURL string) {
	if !p.scanner.IsBlinkURL(ctx, rawURL) {
		return
	}
	if err := p.db.UpdateKind(clientMsgID, store.KindBlink); err != nil {
		p.log.Warn("rewrite kind failed", zap.String("client_msg_id", clientMsgID), zap.Error(err))
	}
}

func (p *Pipeline) publish(kind string, res Result) {
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: res})
}

func initialAttachments(atts []store.Attachment) []store.Attachment {
	out := make([]store.Attachment, len(atts))
	copy(out, atts)
	for i := range out {
		if out[i].State == "" {
			out[i].State = store.UploadInitial
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func hasUnfinishedUploads(atts []store.Attachment) bool {
	for _, a := range atts {
		if a.State != store.UploadCompleted {
			return true
		}
	}
	return false
}
