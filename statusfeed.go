package localfirst

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// StatusFeed streams SyncStatusSnapshot values to websocket clients: the
// current snapshot on connect, then one per change.
type StatusFeed struct {
	status       *SyncStatus
	logger       *zap.Logger
	writeTimeout time.Duration
	origins      []string
}

// NewStatusFeed creates a feed over status. origins lists the allowed
// cross-origin host patterns, for example "chrome-extension://*".
func NewStatusFeed(status *SyncStatus, logger *zap.Logger, origins ...string) *StatusFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusFeed{
		status:       status,
		logger:       logger,
		writeTimeout: 5 * time.Second,
		origins:      origins,
	}
}

func (f *StatusFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: f.origins})
	if err != nil {
		f.logger.Warn("status feed upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "status feed closed")

	updates := f.status.Subscribe()
	defer f.status.Unsubscribe(updates)

	// Clients only listen; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())

	if err := f.write(ctx, conn, f.status.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case snap, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "status closed")
				return
			}
			if err := f.write(ctx, conn, snap); err != nil {
				return
			}
		}
	}
}

func (f *StatusFeed) write(ctx context.Context, conn *websocket.Conn, snap SyncStatusSnapshot) error {
	wctx, cancel := context.WithTimeout(ctx, f.writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, snap); err != nil {
		f.logger.Debug("status feed write failed", zap.Error(err))
		return err
	}
	return nil
}
