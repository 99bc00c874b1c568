package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cjliu2003/writersroom/backend/internal/collab"
	"github.com/cjliu2003/writersroom/backend/internal/document"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Wire framing: every websocket message is binary with a one-byte kind
// prefix. Sync frames carry state-vector protocol messages and are
// persisted; awareness frames carry ephemeral presence and never touch
// the log.
const (
	frameKindSync      byte = 0x00
	frameKindAwareness byte = 0x01
)

const (
	realtimeWriteTimeout = 10 * time.Second
	realtimePingInterval = 30 * time.Second
	realtimeReadLimit    = 4 << 20
)

var realtimeUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (h *httpHandler) handleSync(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	if !h.authorizeDocument(c, userID, documentID, collab.AccessWrite) {
		return
	}
	authorID, err := document.NewAuthorID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	conn, err := realtimeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session, err := h.sessions.Open(c.Request.Context(), documentID, authorID)
	if err != nil {
		h.logger.Error("session open failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		conn.Close()
		return
	}

	h.runRealtimeSession(c.Request.Context(), conn, session)
}

// runRealtimeSession drives one websocket connection: the read loop
// feeds inbound frames into the session manager while the write pump
// owns all writes to the connection.
func (h *httpHandler) runRealtimeSession(parent context.Context, conn *websocket.Conn, session *document.Session) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer conn.Close()
	defer h.sessions.Close(session.ID)

	conn.SetReadLimit(realtimeReadLimit)

	outbound := make(chan []byte, 32)
	envelopes, unsubscribe := h.broadcaster.Subscribe(ctx, session.DocumentID.String())
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ctx, conn, session, outbound, envelopes)
	}()

	// Kick off convergence: send whatever the replica already knows
	// that the client may be missing.
	h.enqueuePending(session.ID, outbound)

	h.readLoop(ctx, conn, session, outbound)
	cancel()
	<-writerDone
}

func (h *httpHandler) readLoop(ctx context.Context, conn *websocket.Conn, session *document.Session, outbound chan<- []byte) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage || len(payload) < 1 {
			continue
		}
		kind, body := payload[0], payload[1:]
		switch kind {
		case frameKindSync:
			replies, err := h.sessions.HandleSyncMessage(ctx, session.ID, body)
			if err != nil {
				if errors.Is(err, document.ErrPersistenceFailure) || errors.Is(err, document.ErrSessionNotFound) {
					h.logger.Error("realtime session terminated",
						zap.String("session_id", session.ID.String()),
						zap.Error(err))
					return
				}
				h.logger.Warn("sync message rejected",
					zap.String("session_id", session.ID.String()),
					zap.Error(err))
				continue
			}
			for _, reply := range replies {
				sendFrame(outbound, frameKindSync, reply)
			}
		case frameKindAwareness:
			h.sessions.Touch(session.ID)
			h.broadcaster.Publish(document.Envelope{
				DocumentID: session.DocumentID.String(),
				Kind:       document.EnvelopeKindAwareness,
				Payload:    body,
				Origin:     session.ID.String(),
			})
		default:
			h.logger.Warn("unknown frame kind dropped",
				zap.String("session_id", session.ID.String()),
				zap.Uint8("kind", kind))
		}
	}
}

func (h *httpHandler) writePump(ctx context.Context, conn *websocket.Conn, session *document.Session, outbound <-chan []byte, envelopes <-chan document.Envelope) {
	ticker := time.NewTicker(realtimePingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-outbound:
			if !writeFrame(conn, frame) {
				return
			}
		case envelope, open := <-envelopes:
			if !open {
				return
			}
			if envelope.Origin == session.ID.String() {
				continue
			}
			switch envelope.Kind {
			case document.EnvelopeKindAwareness:
				if !writeFrame(conn, append([]byte{frameKindAwareness}, envelope.Payload...)) {
					return
				}
			case document.EnvelopeKindSync:
				// The envelope is a wakeup; the session's sync state
				// produces exactly the messages this peer is missing.
				for _, pending := range h.pendingFrames(session.ID) {
					if !writeFrame(conn, pending) {
						return
					}
				}
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *httpHandler) enqueuePending(sessionID document.SessionID, outbound chan<- []byte) {
	for _, frame := range h.pendingFrames(sessionID) {
		select {
		case outbound <- frame:
		default:
		}
	}
}

func (h *httpHandler) pendingFrames(sessionID document.SessionID) [][]byte {
	messages, err := h.sessions.PendingSyncMessages(sessionID)
	if err != nil {
		return nil
	}
	frames := make([][]byte, 0, len(messages))
	for _, message := range messages {
		frames = append(frames, append([]byte{frameKindSync}, message...))
	}
	return frames
}

func sendFrame(outbound chan<- []byte, kind byte, body []byte) {
	frame := append([]byte{kind}, body...)
	select {
	case outbound <- frame:
	default:
		// A stalled writer drops the frame; the sync protocol resends
		// anything the peer is still missing.
	}
}

func writeFrame(conn *websocket.Conn, frame []byte) bool {
	conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame) == nil
}
