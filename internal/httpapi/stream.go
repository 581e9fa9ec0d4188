package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/linemirror/internal/linemirror"
)

const streamWriteTimeout = 10 * time.Second

type streamFrame struct {
	Type     string               `json:"type"`
	Snapshot *linemirror.Snapshot `json:"snapshot,omitempty"`
	Change   *linemirror.Change   `json:"change,omitempty"`
}

// handleLive upgrades to a websocket and pushes the topic snapshot followed by
// every change until either side goes away.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request, topic linemirror.Topic, correlationID string) {
	if topic.Kind == linemirror.TopicMessages {
		if _, err := s.store.GetConversation(r.Context(), topic.ConversationID); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "correlation_id", correlationID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx := conn.CloseRead(r.Context())
	sub, err := s.store.Subscribe(ctx, topic)
	if err != nil {
		s.logger.Error("subscribe failed", "correlation_id", correlationID, "error", err)
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	snapshot := sub.Snapshot
	if err := writeFrame(ctx, conn, streamFrame{Type: "snapshot", Snapshot: &snapshot}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sub.Changes:
			if !ok {
				if ctx.Err() == nil {
					conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind")
				}
				return
			}
			if err := writeFrame(ctx, conn, streamFrame{Type: "change", Change: &change}); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("stream write failed", "correlation_id", correlationID, "error", err)
				}
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame streamFrame) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}
