package emby

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	apperrors "github.com/embersync/embersync/internal/errors"
)

// wsConn is the WebSocket surface the session depends on. Satisfied by
// *websocket.Conn; tests substitute a mock.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// wsDialer opens a WebSocket connection to the given URL.
type wsDialer func(ctx context.Context, url string) (wsConn, error)

func dialWebSocket(ctx context.Context, wsURL string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// socketURL derives the WebSocket endpoint from an HTTP base URL: the
// scheme flips to ws(s), the emby/socket path segment becomes
// embywebsocket, and the token and device id ride as query parameters.
func socketURL(base, token, deviceID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	if strings.Contains(u.Path, "emby/socket") {
		u.Path = strings.Replace(u.Path, "emby/socket", "embywebsocket", 1)
	} else {
		u.Path = strings.TrimRight(u.Path, "/") + "/embywebsocket"
	}

	q := u.Query()
	q.Set("api_key", token)
	q.Set("deviceId", deviceID)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ConnectSocket opens the WebSocket channel. It requires an access token
// and at least one prior successful HTTP exchange; callers treat a
// failure as non-fatal (the orchestrator opens the socket
// opportunistically). Any message-stream subscriptions registered on the
// session are replayed to the server before the read loop starts, so a
// server restart does not silently drop live update feeds.
func (s *Session) ConnectSocket(ctx context.Context) error {
	s.mu.Lock()
	token := s.accessToken
	base := s.baseURL
	connected := s.connected
	alreadyOpen := s.conn != nil
	s.mu.Unlock()

	if alreadyOpen {
		return nil
	}
	if token == "" {
		return apperrors.ErrNotSignedIn
	}
	if !connected {
		return fmt.Errorf("no successful exchange with server yet")
	}

	wsURL, err := socketURL(base, token, s.device.Id)
	if err != nil {
		return err
	}

	conn, err := s.dialWS(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.conn = conn
	s.connCancel = cancel
	subs := make(map[string]string, len(s.subscriptions))
	for name, data := range s.subscriptions {
		subs[name] = data
	}
	s.mu.Unlock()

	for name, data := range subs {
		if err := s.writeSocket(connCtx, name+"Start", data); err != nil {
			s.logger.Warn("replaying subscription",
				slog.String("message_type", name),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("websocket connected", slog.String("server_id", s.serverID))

	go s.readLoop(connCtx)

	return nil
}

// CloseSocket shuts the WebSocket down cleanly. The session can be
// reconnected later with ConnectSocket.
func (s *Session) CloseSocket() error {
	s.mu.Lock()
	conn := s.conn
	cancel := s.connCancel
	s.conn = nil
	s.connCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

// SocketConnected reports whether the WebSocket channel is open.
func (s *Session) SocketConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Subscribe registers a server message stream and, when the socket is
// open, starts it immediately. The subscription is replayed on every
// subsequent socket open.
func (s *Session) Subscribe(ctx context.Context, messageType, data string) error {
	s.mu.Lock()
	s.subscriptions[messageType] = data
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	return s.writeSocket(ctx, messageType+"Start", data)
}

// Unsubscribe stops a server message stream and removes it from the
// replay set.
func (s *Session) Unsubscribe(ctx context.Context, messageType string) error {
	s.mu.Lock()
	_, ok := s.subscriptions[messageType]
	delete(s.subscriptions, messageType)
	conn := s.conn
	s.mu.Unlock()

	if !ok || conn == nil {
		return nil
	}

	return s.writeSocket(ctx, messageType+"Stop", "")
}

// writeSocket sends one outbound message.
func (s *Session) writeSocket(ctx context.Context, messageType, data string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	msg := struct {
		MessageType string `json:"MessageType"`
		Data        string `json:"Data,omitempty"`
	}{MessageType: messageType, Data: data}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, payload)
}

// readLoop reads inbound frames until the connection drops. On close the
// session nulls its handle and emits a close notification; it does not
// reopen the socket itself — the orchestrator does that on next use.
func (s *Session) readLoop(connCtx context.Context) {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			return
		}

		typ, data, err := conn.Read(connCtx)
		if err != nil {
			s.mu.Lock()
			wasOpen := s.conn != nil
			s.conn = nil
			s.connCancel = nil
			s.mu.Unlock()

			s.stopKeepAlive()

			if wasOpen {
				s.logger.Warn("websocket closed",
					slog.String("server_id", s.serverID),
					slog.String("error", err.Error()),
				)
				s.events.publishClosed(err)
			}

			return
		}

		if typ != websocket.MessageText {
			s.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		s.handleFrame(connCtx, data)
	}
}

// handleFrame decodes and routes one inbound frame.
func (s *Session) handleFrame(ctx context.Context, data []byte) {
	messageType := gjson.GetBytes(data, "MessageType").Str
	if messageType == "" {
		s.logger.Debug("unparseable frame", slog.Int("bytes", len(data)))
		return
	}

	// Messages can be delivered over more than one transport; a message
	// id that was already seen is dropped here.
	if id := gjson.GetBytes(data, "MessageId").Str; id != "" {
		if found, _ := s.seen.ContainsOrAdd(id, struct{}{}); found {
			s.logger.Debug("dropping duplicate message", slog.String("message_id", id))
			return
		}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("decoding frame", slog.String("error", err.Error()))
		return
	}

	switch messageType {
	case "UserUpdated", "UserConfigurationUpdated", "UserPolicyUpdated":
		s.handleUserMessage(msg)

	case "LibraryChanged":
		s.invalidateViews()
		s.events.publishMessage(msg)

	case "ForceKeepAlive":
		var seconds int
		if err := json.Unmarshal(msg.Data, &seconds); err != nil || seconds <= 0 {
			seconds = 60
		}
		s.startKeepAlive(ctx, time.Duration(seconds)*time.Second/2)

	case "KeepAlive":
		// Server acknowledgement, nothing to do.

	default:
		s.events.publishMessage(msg)
	}
}

// handleUserMessage refreshes the user cache when the server pushes an
// update for the signed-in user.
func (s *Session) handleUserMessage(msg Message) {
	var user UserDto
	if err := json.Unmarshal(msg.Data, &user); err != nil || user.Id == "" {
		// Configuration/policy updates carry partial payloads; dropping
		// the cache entry forces a clean refetch.
		if id := gjson.GetBytes(msg.Data, "UserId").Str; id != "" && id == s.UserID() {
			s.invalidateUser(id)
		}
		s.events.publishMessage(msg)
		return
	}

	if user.Id == s.UserID() {
		s.storeUser(user)
	}

	s.events.publishMessage(msg)
}

// startKeepAlive schedules periodic KeepAlive messages at the given
// interval, replacing any previous schedule.
func (s *Session) startKeepAlive(ctx context.Context, interval time.Duration) {
	s.stopKeepAlive()

	stop := make(chan struct{})

	s.mu.Lock()
	s.keepAliveStop = stop
	s.mu.Unlock()

	ticker := s.clk.Ticker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.writeSocket(ctx, "KeepAlive", ""); err != nil {
					s.logger.Debug("sending keep-alive", slog.String("error", err.Error()))
					return
				}
			}
		}
	}()
}

func (s *Session) stopKeepAlive() {
	s.mu.Lock()
	stop := s.keepAliveStop
	s.keepAliveStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}
