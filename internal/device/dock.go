package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// dockFrame is the dock's own message envelope: control messages use "type",
// event messages use "msg".
type dockFrame struct {
	Type   string `json:"type,omitempty"`
	Msg    string `json:"msg,omitempty"`
	Code   int    `json:"code,omitempty"`
	IRCode string `json:"ir_code,omitempty"`
	Format string `json:"format,omitempty"`
}

// DockChannel is a dock's websocket. Docks challenge with auth_required and
// accept a password token; docks without a password stay REST-only and are
// never dialed.
type DockChannel struct {
	dockID string
	conn   *websocket.Conn

	frames chan protocol.Frame
	done   chan struct{}

	sendMu    sync.Mutex
	closeOnce sync.Once
}

// DialDock connects to a dock websocket and completes the password handshake.
func DialDock(ctx context.Context, endpoint, dockID, password string) (*DockChannel, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err := authenticateDock(conn, password); err != nil {
		conn.Close()
		return nil, err
	}

	d := &DockChannel{
		dockID: dockID,
		conn:   conn,
		frames: make(chan protocol.Frame, 16),
		done:   make(chan struct{}),
	}
	go d.readPump()
	go d.pingLoop()

	log.Debug().Str("dock", dockID).Str("endpoint", endpoint).Msg("dock channel authenticated")
	return d, nil
}

func authenticateDock(conn *websocket.Conn, password string) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var f dockFrame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("dock auth: %w", err)
		}
		switch f.Type {
		case "auth_required":
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			req := map[string]string{"type": "auth", "token": password}
			if err := conn.WriteJSON(req); err != nil {
				return fmt.Errorf("dock auth: %w", err)
			}
		case "authentication":
			if f.Code != http.StatusOK {
				return ErrUnauthorized
			}
			return nil
		}
	}
}

// DockID names the dock this channel belongs to.
func (d *DockChannel) DockID() string { return d.dockID }

// Frames delivers dock events translated into the shared frame envelope.
func (d *DockChannel) Frames() <-chan protocol.Frame { return d.frames }

// Done closes when the channel drops.
func (d *DockChannel) Done() <-chan struct{} { return d.done }

// Close tears the connection down. Safe to call more than once.
func (d *DockChannel) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		d.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		d.conn.Close()
	})
	return nil
}

func (d *DockChannel) readPump() {
	defer d.Close()

	d.conn.SetReadLimit(maxMessageSize)
	d.conn.SetReadDeadline(time.Now().Add(pongWait))
	d.conn.SetPongHandler(func(string) error {
		d.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("dock", d.dockID).Msg("dock channel closed unexpectedly")
			}
			return
		}

		var raw dockFrame
		if err := json.Unmarshal(data, &raw); err != nil {
			log.Warn().Err(err).Str("dock", d.dockID).Msg("dropping undecodable dock frame")
			continue
		}
		if raw.Msg != string(protocol.EventIRReceive) {
			continue
		}

		frame, err := protocol.NewEvent(protocol.EventIRReceive, protocol.IRReceive{
			DockID: d.dockID,
			Code:   raw.IRCode,
			Format: raw.Format,
		})
		if err != nil {
			continue
		}

		select {
		case d.frames <- *frame:
		case <-d.done:
			return
		}
	}
}

func (d *DockChannel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sendMu.Lock()
			d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := d.conn.WriteMessage(websocket.PingMessage, nil)
			d.sendMu.Unlock()
			if err != nil {
				d.Close()
				return
			}
		case <-d.done:
			return
		}
	}
}
