package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatpilot/pkg/logx"
	"chatpilot/pkg/proto"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsEventBuffer  = 256
)

// wsFrame is the JSON frame exchanged with the chat-network gateway.
type wsFrame struct {
	Type            string `json:"type"`
	CorrespondentID string `json:"correspondent_id,omitempty"`
	Text            string `json:"text,omitempty"`
	MediaURL        string `json:"media_url,omitempty"`
	MediaKind       string `json:"media_kind,omitempty"`
	Caption         string `json:"caption,omitempty"`
	DisplayName     string `json:"display_name,omitempty"`
	ProfileURL      string `json:"profile_url,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

const (
	framePaired  = "paired"
	frameMessage = "message"
	frameContact = "contact"
	frameClosed  = "closed"
	frameSend    = "send"
)

// WSTransport connects instances to a chat-network gateway over websocket.
type WSTransport struct {
	baseURL string
	logger  *logx.Logger
	dialer  *websocket.Dialer
}

// NewWSTransport creates a transport dialing the given ws:// or wss:// base
// URL.
func NewWSTransport(baseURL string) *WSTransport {
	return &WSTransport{
		baseURL: baseURL,
		logger:  logx.NewLogger("ws-transport"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

// Open dials the gateway for one instance, presenting the pairing code. The
// gateway answers with a "paired" frame once the remote side confirms.
func (t *WSTransport) Open(ctx context.Context, tenantID, instanceID, pairingCode string) (Session, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad transport URL: %w", err)
	}
	u.Path = fmt.Sprintf("/instances/%s", instanceID)
	q := u.Query()
	q.Set("tenant_id", tenantID)
	q.Set("pairing_code", pairingCode)
	u.RawQuery = q.Encode()

	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}

	s := &wsSession{
		conn:   conn,
		events: make(chan Event, wsEventBuffer),
		closed: make(chan struct{}),
		logger: t.logger,
	}
	go s.readPump()
	go s.pingLoop()
	return s, nil
}

// wsSession is one live gateway connection. Writes are serialized by a mutex;
// reads happen only on the readPump goroutine.
type wsSession struct {
	conn   *websocket.Conn
	events chan Event
	logger *logx.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *wsSession) Events() <-chan Event {
	return s.events
}

// Send writes one outbound message as a "send" frame.
func (s *wsSession) Send(_ context.Context, msg *proto.ChatMsg) error {
	frame := wsFrame{
		Type:            frameSend,
		CorrespondentID: msg.Addr.CorrespondentID,
		Text:            msg.GetText(),
	}
	if v, ok := msg.GetPayload(proto.KeyMediaURL); ok {
		frame.MediaURL, _ = v.(string)
	}
	if v, ok := msg.GetPayload(proto.KeyMediaKind); ok {
		frame.MediaKind, _ = v.(string)
	}
	if v, ok := msg.GetPayload(proto.KeyCaption); ok {
		frame.Caption, _ = v.(string)
	}

	return s.writeJSON(frame)
}

func (s *wsSession) writeJSON(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readPump translates gateway frames into session events until the
// connection dies.
func (s *wsSession) readPump() {
	defer close(s.events)

	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.deliver(Event{Kind: EventClosed, Err: err})
			} else {
				s.deliver(Event{Kind: EventClosed})
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("Dropping malformed frame: %v", err)
			continue
		}

		switch frame.Type {
		case framePaired:
			s.deliver(Event{Kind: EventPaired})
		case frameMessage:
			s.deliver(Event{
				Kind:            EventMessage,
				CorrespondentID: frame.CorrespondentID,
				Text:            frame.Text,
			})
		case frameContact:
			s.deliver(Event{
				Kind:            EventContact,
				CorrespondentID: frame.CorrespondentID,
				DisplayName:     frame.DisplayName,
				ProfileURL:      frame.ProfileURL,
			})
		case frameClosed:
			s.deliver(Event{Kind: EventClosed, Err: fmt.Errorf("gateway closed session: %s", frame.Reason)})
			return
		default:
			s.logger.Warn("Unknown frame type %q", frame.Type)
		}
	}
}

// deliver hands an event to the consumer, giving up once the session is
// closed so the pump never blocks on an abandoned channel.
func (s *wsSession) deliver(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

// pingLoop keeps the connection alive; the gateway answers pings with pongs
// that extend the read deadline.
func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close tears down the connection. Safe to call more than once.
func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}
