package relay

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/layer-3/walletgate/core"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameLength = 64 << 10
)

// Upgrader accepts relay websockets from any origin. Clients authenticate with a
// bearer token.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{SubprotocolMsgpack},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebsocketTransport carries envelopes over a gorilla websocket
type WebsocketTransport struct {
	conn  *websocket.Conn
	codec Codec

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Upgrade completes the websocket handshake and starts the keepalive
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebsocketTransport, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebsocketTransport(conn), nil
}

// NewWebsocketTransport wraps an established websocket. The codec follows the
// negotiated subprotocol.
func NewWebsocketTransport(conn *websocket.Conn) *WebsocketTransport {
	t := &WebsocketTransport{
		conn:  conn,
		codec: CodecFor(conn.Subprotocol()),
		done:  make(chan struct{}),
	}

	conn.SetReadLimit(maxFrameLength)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go t.keepalive()
	return t
}

func (t *WebsocketTransport) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *WebsocketTransport) frameType() int {
	if t.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// Send writes one envelope
func (t *WebsocketTransport) Send(env core.Envelope) error {
	data, err := t.codec.Encode(env)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(t.frameType(), data)
}

// Receive reads the next envelope from the client
func (t *WebsocketTransport) Receive() (core.Envelope, error) {
	kind, data, err := t.conn.ReadMessage()
	if err != nil {
		return core.Envelope{}, err
	}
	if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
		return core.Envelope{}, fmt.Errorf("unexpected frame kind %d: %w", kind, core.ErrInvalidPayload)
	}
	return t.codec.Decode(data)
}

// Close sends a close frame and tears down the socket
func (t *WebsocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)

		t.writeMu.Lock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	return err
}
