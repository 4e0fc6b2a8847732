package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	wsEndpointPath     = "/callback/ws/endpoint"
	wsReadLimit        = 1 << 20 // 1MB
	wsPingInterval     = 30 * time.Second
	wsReconnectInitial = time.Second
	wsReconnectMax     = time.Minute
)

// EventHandler receives raw event payloads from the long connection.
type EventHandler interface {
	HandleEvent(ctx context.Context, payload []byte) error
}

// WSClient maintains a Feishu long connection, reconnecting with
// exponential backoff.
type WSClient struct {
	appID      string
	appSecret  string
	baseURL    string
	handler    EventHandler
	httpClient *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSClient creates a long-connection client. baseURL is the resolved
// API domain.
func NewWSClient(appID, appSecret, baseURL string, handler EventHandler) *WSClient {
	return &WSClient{
		appID:      appID,
		appSecret:  appSecret,
		baseURL:    baseURL,
		handler:    handler,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Run connects and processes events until ctx is cancelled. Connection
// failures are retried with backoff.
func (w *WSClient) Run(ctx context.Context) error {
	backoff := wsReconnectInitial
	for {
		err := w.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("feishu ws disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, wsReconnectMax)
	}
}

// Close tears down the current connection, if any.
func (w *WSClient) Close() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
}

// fetchEndpoint asks the platform for a WebSocket URL to connect to.
func (w *WSClient) fetchEndpoint(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"AppID":     w.appID,
		"AppSecret": w.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+wsEndpointPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ws endpoint request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			URL string `json:"URL"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ws endpoint decode: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("ws endpoint error: code=%d msg=%s", result.Code, result.Msg)
	}
	if result.Data.URL == "" {
		return "", fmt.Errorf("ws endpoint returned empty url")
	}
	return result.Data.URL, nil
}

// wsFrame is one message on the long connection.
type wsFrame struct {
	Type      string          `json:"type"` // "event", "ping", "pong", "ack"
	MessageID string          `json:"message_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (w *WSClient) connectAndServe(ctx context.Context) error {
	wsURL, err := w.fetchEndpoint(ctx)
	if err != nil {
		return err
	}

	// No compression negotiated; Feishu's gateway rejects RSV1 frames.
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
		conn.Close(websocket.StatusInternalError, "serve loop exited")
	}()

	slog.Info("feishu ws connected")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go w.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("feishu ws: bad frame", "error", err)
			continue
		}

		switch frame.Type {
		case "event":
			if frame.MessageID != "" {
				w.writeFrame(ctx, conn, wsFrame{Type: "ack", MessageID: frame.MessageID})
			}
			if err := w.handler.HandleEvent(ctx, frame.Payload); err != nil {
				slog.Warn("feishu ws: event handler failed", "error", err)
			}
		case "ping":
			w.writeFrame(ctx, conn, wsFrame{Type: "pong", MessageID: frame.MessageID})
		}
	}
}

func (w *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

func (w *WSClient) writeFrame(ctx context.Context, conn *websocket.Conn, frame wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("feishu ws: write failed", "error", err)
	}
}
