// Package websocket implements network.Channel over a gorilla websocket connection.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/logger"
	"github.com/giongto35/cloud-session/pkg/network"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
)

type WS struct {
	sock *websocket.Conn
	send chan []byte
	log  *logger.Logger

	mu        sync.RWMutex
	onMessage func(api.Envelope)

	pingPong bool

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	WriteBufferPool: &sync.Pool{},
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewServer upgrades an incoming HTTP request into a websocket channel.
func NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*WS, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, true, log), nil
}

// NewClient dials the transport at address.
func NewClient(ctx context.Context, address string, log *logger.Logger) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, false, log), nil
}

func newSocket(conn *websocket.Conn, pingPong bool, log *logger.Logger) *WS {
	ws := &WS{
		sock:     conn,
		send:     make(chan []byte, 64),
		log:      log.Extend(log.With().Str(logger.ModuleField, "ws").Str("remote", conn.RemoteAddr().String())),
		pingPong: pingPong,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go ws.writer()
	go ws.reader()
	return ws
}

func (ws *WS) Send(id api.MessageId, sessionId string, payload any) error {
	e, err := api.NewEnvelope(id, sessionId, payload)
	if err != nil {
		return err
	}
	data, err := api.Encode(e)
	if err != nil {
		return err
	}
	if ws.isClosed() {
		return network.ErrClosed
	}
	select {
	case <-ws.done:
		return network.ErrClosed
	case <-ws.quit:
		return network.ErrClosed
	case ws.send <- data:
		return nil
	}
}

func (ws *WS) OnMessage(fn func(api.Envelope)) {
	ws.mu.Lock()
	ws.onMessage = fn
	ws.mu.Unlock()
}

// Close sends the close frame and disconnects.
// It doesn't wait for the pumps, use Done for that.
func (ws *WS) Close() error {
	ws.quitOnce.Do(func() { close(ws.quit) })
	return nil
}

func (ws *WS) Done() <-chan struct{} { return ws.done }

func (ws *WS) isClosed() bool {
	select {
	case <-ws.done:
		return true
	case <-ws.quit:
		return true
	default:
		return false
	}
}

// reader pumps messages from the websocket connection to the OnMessage callback.
// Blocking, must be called as goroutine. Serializes all websocket reads.
func (ws *WS) reader() {
	defer func() {
		ws.shutdown()
		ws.log.Debug().Msg("reader closed")
	}()
	ws.sock.SetReadLimit(maxMessageSize)
	if ws.pingPong {
		_ = ws.sock.SetReadDeadline(time.Now().Add(pongTime))
		ws.sock.SetPongHandler(func(string) error { return ws.sock.SetReadDeadline(time.Now().Add(pongTime)) })
	}
	for {
		_, message, err := ws.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.log.Error().Err(err).Msg("read")
			}
			return
		}
		e, err := api.Decode(message)
		if err != nil {
			ws.log.Warn().Err(err).Msg("skipped")
			continue
		}
		ws.log.Debug().Str(logger.DirectionField, "←").Msgf("%v", e.Id)
		ws.mu.RLock()
		fn := ws.onMessage
		ws.mu.RUnlock()
		if fn != nil {
			fn(e)
		}
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Blocking, must be called as goroutine. Serializes all websocket writes.
func (ws *WS) writer() {
	var tick <-chan time.Time
	if ws.pingPong {
		ticker := time.NewTicker(pingTime)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		ws.shutdown()
		ws.log.Debug().Msg("writer closed")
	}()
	for {
		select {
		case <-ws.done:
			return
		case <-ws.quit:
			_ = ws.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-ws.send:
			if err := ws.write(websocket.TextMessage, message); err != nil {
				ws.log.Error().Err(err).Msg("write")
				return
			}
		case <-tick:
			if err := ws.write(websocket.PingMessage, nil); err != nil {
				ws.log.Error().Err(err).Msg("ping")
				return
			}
		}
	}
}

// write is called only from the writer.
func (ws *WS) write(kind int, data []byte) error {
	if err := ws.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.sock.WriteMessage(kind, data)
}

func (ws *WS) shutdown() {
	ws.doneOnce.Do(func() {
		close(ws.done)
		_ = ws.sock.Close()
	})
}
