package device

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
)

// Channel is one device's push event channel. Frames arrive on Frames() in
// receipt order; Done() closes when the connection drops for any reason.
// Reconnecting is the session manager's job, not the channel's.
type Channel struct {
	name string
	conn *websocket.Conn

	frames chan protocol.Frame
	done   chan struct{}

	sendMu    sync.Mutex
	closeOnce sync.Once
	reqID     int64
}

// DialChannel opens the push channel at endpoint using the device API key.
func DialChannel(ctx context.Context, endpoint, apiKey string) (*Channel, error) {
	header := http.Header{}
	header.Set("API-KEY", apiKey)

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	ch := &Channel{
		name:   endpoint,
		conn:   conn,
		frames: make(chan protocol.Frame, 64),
		done:   make(chan struct{}),
	}
	go ch.readPump()
	go ch.pingLoop()
	return ch, nil
}

// Frames delivers decoded frames in receipt order.
func (ch *Channel) Frames() <-chan protocol.Frame { return ch.frames }

// Done closes when the channel is no longer receiving.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Subscribe asks the device to push the given event channels.
func (ch *Channel) Subscribe(channels []string) error {
	frame, err := protocol.NewRequest(ch.nextID(), "subscribe_events", protocol.SubscribeEvents{Channels: channels})
	if err != nil {
		return err
	}
	return ch.Send(frame)
}

// Send writes one frame. Writers are serialized.
func (ch *Channel) Send(frame *protocol.Frame) error {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ch.conn.WriteJSON(frame)
}

// Close tears the connection down. Safe to call more than once.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		close(ch.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ch.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		ch.conn.Close()
	})
	return nil
}

func (ch *Channel) nextID() int {
	return int(atomic.AddInt64(&ch.reqID, 1))
}

func (ch *Channel) readPump() {
	defer ch.Close()

	ch.conn.SetReadLimit(maxMessageSize)
	ch.conn.SetReadDeadline(time.Now().Add(pongWait))
	ch.conn.SetPongHandler(func(string) error {
		ch.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("channel", ch.name).Msg("push channel closed unexpectedly")
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Str("channel", ch.name).Msg("dropping undecodable frame")
			continue
		}

		select {
		case ch.frames <- frame:
		case <-ch.done:
			return
		}
	}
}

func (ch *Channel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ch.sendMu.Lock()
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := ch.conn.WriteMessage(websocket.PingMessage, nil)
			ch.sendMu.Unlock()
			if err != nil {
				ch.Close()
				return
			}
		case <-ch.done:
			return
		}
	}
}
