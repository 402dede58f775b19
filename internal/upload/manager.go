// Package upload drives attachment uploads through their state machine:
// initial, generateUrl, uploading, completed, with failure frozen in the
// stage it happened. Every transition is persisted, so a restart or retry
// resumes from the recorded stage instead of starting over.
package upload

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/yarsha/chatsync/internal/remote"
	"github.com/yarsha/chatsync/internal/store"
)

// Manager uploads the attachments of a message. Attachments are independent:
// one failing never blocks or rolls back the others.
type Manager struct {
	db     *store.DB
	issuer remote.UploadTargetIssuer
	blobs  remote.BlobPutter
	log    *zap.Logger
}

// NewManager creates an upload manager.
func NewManager(db *store.DB, issuer remote.UploadTargetIssuer, blobs remote.BlobPutter, logger *zap.Logger) *Manager {
	return &Manager{
		db:     db,
		issuer: issuer,
		blobs:  blobs,
		log:    logger.Named("upload"),
	}
}

// UploadAll drives every attachment of the message to a terminal state,
// concurrently. Already completed attachments are skipped and failed ones
// resume from their recorded stage, so the same call serves both first
// sends and retries. The returned slice is the final persisted state; the
// error aggregates the attachments that ended frozen in a failure state.
func (m *Manager) UploadAll(ctx context.Context, msg *store.Message) ([]store.Attachment, error) {
	atts := slices.Clone(msg.Multimedia)

	var mu sync.Mutex
	// mutate applies a change to one attachment and persists the whole
	// array, so readers always see the current stage of every upload.
	mutate := func(i int, fn func(a *store.Attachment)) {
		mu.Lock()
		fn(&atts[i])
		snapshot := slices.Clone(atts)
		mu.Unlock()
		if err := m.db.UpdateFields(msg.ClientMsgID, store.Fields{Multimedia: &snapshot}); err != nil {
			m.log.Warn("persist upload state failed",
				zap.String("client_msg_id", msg.ClientMsgID), zap.Error(err))
		}
	}

	var wg sync.WaitGroup
	var errs *multierror.Error
	for i := range atts {
		wg.Add(1)
		go func(i int, att store.Attachment) {
			defer wg.Done()
			if err := m.uploadOne(ctx, msg.ChatID, att, i, mutate); err != nil {
				m.log.Warn("attachment upload failed",
					zap.String("client_msg_id", msg.ClientMsgID),
					zap.String("name", att.Name), zap.Error(err))
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", att.Name, err))
				mu.Unlock()
			}
		}(i, atts[i])
	}
	wg.Wait()

	mu.Lock()
	final := slices.Clone(atts)
	mu.Unlock()
	return final, errs.ErrorOrNil()
}

func (m *Manager) uploadOne(ctx context.Context, chatID string, att store.Attachment, i int, mutate func(int, func(*store.Attachment))) error {
	state := att.State.RetryEntry()
	if state == store.UploadCompleted {
		return nil
	}

	if state == store.UploadInitial || state == store.UploadGenerateURL {
		mutate(i, func(a *store.Attachment) { a.State = store.UploadGenerateURL })
		target, err := m.issuer.GenerateUploadURL(ctx, chatID, att.Name, att.MimeType)
		if err != nil {
			mutate(i, func(a *store.Attachment) { a.State = store.UploadGenerateURLFailed })
			return fmt.Errorf("generate upload url: %w", err)
		}
		att.UploadURL = target.UploadURL
		mutate(i, func(a *store.Attachment) {
			a.FilePath = target.FilePath
			a.UploadURL = target.UploadURL
			a.SignedURL = target.ReadURL
			a.ExpirationTime = target.ExpirationTime
		})
		state = store.UploadTransferring
	}

	// A transfer retry without a usable upload URL must re-issue one first.
	if state == store.UploadTransferring && att.UploadURL == "" {
		target, err := m.issuer.GenerateUploadURL(ctx, chatID, att.Name, att.MimeType)
		if err != nil {
			mutate(i, func(a *store.Attachment) { a.State = store.UploadTransferFailed })
			return fmt.Errorf("reissue upload url: %w", err)
		}
		att.UploadURL = target.UploadURL
		mutate(i, func(a *store.Attachment) {
			a.FilePath = target.FilePath
			a.UploadURL = target.UploadURL
			a.SignedURL = target.ReadURL
			a.ExpirationTime = target.ExpirationTime
		})
	}

	mutate(i, func(a *store.Attachment) { a.State = store.UploadTransferring })
	f, err := os.Open(att.LocalPath)
	if err != nil {
		mutate(i, func(a *store.Attachment) { a.State = store.UploadTransferFailed })
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	if err := m.blobs.PutBlob(ctx, att.UploadURL, att.MimeType, f, att.Size); err != nil {
		mutate(i, func(a *store.Attachment) { a.State = store.UploadTransferFailed })
		return fmt.Errorf("put blob: %w", err)
	}

	mutate(i, func(a *store.Attachment) {
		a.State = store.UploadCompleted
		a.UploadURL = ""
	})
	return nil
}

// Completed returns the attachments that finished uploading, in wire form.
// Frozen failures stay in the stored array but never reach a payload.
func Completed(atts []store.Attachment) []remote.Media {
	var media []remote.Media
	for _, a := range atts {
		if a.State != store.UploadCompleted {
			continue
		}
		media = append(media, remote.Media{
			Name:           a.Name,
			FilePath:       a.FilePath,
			MimeType:       a.MimeType,
			Width:          a.Width,
			Height:         a.Height,
			Size:           a.Size,
			SignedURL:      a.SignedURL,
			ExpirationTime: a.ExpirationTime,
		})
	}
	return media
}
