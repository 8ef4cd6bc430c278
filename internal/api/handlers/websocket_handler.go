package handlers

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/citation"
	"github.com/yomibot/backend/internal/query"
	"github.com/yomibot/backend/pkg/logger"
)

type WebSocketHandler struct {
	engine  Engine
	timeout time.Duration
	agentic bool
}

func NewWebSocketHandler(engine Engine, timeout time.Duration, agenticDefault bool) *WebSocketHandler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &WebSocketHandler{engine: engine, timeout: timeout, agentic: agenticDefault}
}

type wsMessage struct {
	Type      string   `json:"type"`
	Content   string   `json:"content"`
	UserID    string   `json:"user_id"`
	Requester string   `json:"requester"`
	ImageURLs []string `json:"image_urls"`
	Agentic   *bool    `json:"agentic"`
}

// wsConn serialises writes; status callbacks arrive from the engine while
// the handler goroutine may also be writing.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) send(msg map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	conn := &wsConn{conn: c}
	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "query" {
			continue
		}

		logger.Info("Processing WebSocket query", zap.String("query", msg.Content))

		if err := h.streamResponse(conn, msg); err != nil {
			logger.Warn("Failed to stream response", zap.Error(err))
			if conn.send(map[string]any{"type": "error", "error": query.UserMessage(err)}) != nil {
				break
			}
		}
	}
}

func (h *WebSocketHandler) streamResponse(conn *wsConn, msg wsMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	agentic := h.agentic
	if msg.Agentic != nil {
		agentic = *msg.Agentic
	}

	resp, err := h.engine.Process(ctx, query.Request{
		Query:     msg.Content,
		UserID:    msg.UserID,
		Requester: msg.Requester,
		ImageURLs: msg.ImageURLs,
		Agentic:   agentic,
		Status: func(status string) {
			_ = conn.send(map[string]any{"type": "status", "content": status})
		},
	})
	if err != nil {
		return err
	}

	for _, chunk := range splitIntoLines(citation.StripSources(resp.Response)) {
		if err := conn.send(map[string]any{"type": "chunk", "content": chunk}); err != nil {
			return err
		}
	}

	return conn.send(map[string]any{
		"type":            "complete",
		"message_id":      resp.ID,
		"sources":         resp.Sources,
		"web_search_used": resp.WebSearchUsed,
		"latency_ms":      resp.LatencyMS,
	})
}

// splitIntoLines keeps the line breaks so a client can concatenate chunks.
func splitIntoLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.SplitAfter(text, "\n")
}
