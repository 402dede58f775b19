package upload

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yarsha/chatsync/internal/remote"
	"github.com/yarsha/chatsync/internal/store"
)

// Refresher reissues expired read URLs for completed attachments. Upload
// state is never touched: refresh is a read-side concern.
type Refresher struct {
	db     *store.DB
	remote remote.ReadURLRefresher
	log    *zap.Logger
}

// NewRefresher creates a read URL refresher.
func NewRefresher(db *store.DB, r remote.ReadURLRefresher, logger *zap.Logger) *Refresher {
	return &Refresher{db: db, remote: r, log: logger.Named("refresh")}
}

// RefreshExpired reissues read URLs for every completed attachment of the
// message whose URL has expired, and returns how many were refreshed. An
// unknown message refreshes nothing.
func (r *Refresher) RefreshExpired(ctx context.Context, clientMsgID string, now time.Time) (int, error) {
	msg, err := r.db.GetByClientID(clientMsgID)
	if err != nil {
		return 0, err
	}
	if msg == nil {
		return 0, nil
	}

	nowMs := now.UnixMilli()
	refreshed := 0
	for _, a := range msg.Multimedia {
		if a.State != store.UploadCompleted || a.FilePath == "" {
			continue
		}
		if a.ExpirationTime > nowMs {
			continue
		}
		target, err := r.remote.RefreshReadURL(ctx, a.FilePath)
		if err != nil {
			return refreshed, err
		}
		if err := r.db.RefreshSignedURL(clientMsgID, a.FilePath, target.ReadURL, target.ExpirationTime); err != nil {
			return refreshed, err
		}
		refreshed++
	}
	if refreshed > 0 {
		r.log.Debug("read urls refreshed",
			zap.String("client_msg_id", clientMsgID), zap.Int("count", refreshed))
	}
	return refreshed, nil
}
