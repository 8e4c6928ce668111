package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/auth"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

const (
	driverWriteWait  = 10 * time.Second
	driverPongWait   = 60 * time.Second
	driverPingPeriod = 30 * time.Second
	driverMaxMessage = 512 * 1024
)

var driverUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Drivers connect from integration processes, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleDriverSocket upgrades a driver connection to the event socket.
// Authentication runs on the HTTP request so rejects stay plain 401s.
func (s *RESTServer) HandleDriverSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticateDriver(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := driverUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Driver socket upgrade failed")
		return
	}

	sock := &driverSocket{
		server:   s,
		deviceID: *claims.DeviceID,
		conn:     conn,
		outbound: make(chan StreamMsg, 64),
		done:     make(chan struct{}),
	}

	log.Info().Str("device_id", sock.deviceID.String()).Msg("Driver connected")

	go sock.writePump()
	sock.readPump()
}

// authenticateDriver validates the driver token from the Authorization
// header or, for clients that cannot set headers on upgrade, the token
// query parameter.
func (s *RESTServer) authenticateDriver(r *http.Request) (*auth.Claims, error) {
	raw := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		raw = q
	}
	if raw == "" {
		return nil, fmt.Errorf("missing token")
	}

	claims, err := s.auth.ValidateToken(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Scope != auth.ScopeDriver || claims.DeviceID == nil {
		return nil, fmt.Errorf("driver scope required")
	}

	record, err := s.store.GetDriverToken(r.Context(), claims.ID)
	if err != nil {
		return nil, fmt.Errorf("unknown token")
	}
	if record.Revoked() {
		return nil, fmt.Errorf("token revoked")
	}
	if record.DeviceID != *claims.DeviceID {
		return nil, fmt.Errorf("token device mismatch")
	}

	return claims, nil
}

// driverSocket is one driver's server-side event connection. Events start
// flowing only after the driver sends a subscribe_events request, matching
// the handshake the driver runs against devices it manages.
type driverSocket struct {
	server   *RESTServer
	deviceID uuid.UUID
	conn     *websocket.Conn

	outbound chan StreamMsg
	done     chan struct{}

	sendMu    sync.Mutex
	closeOnce sync.Once
	subOnce   sync.Once

	streamMu   sync.Mutex
	stopStream func()
}

func (d *driverSocket) readPump() {
	defer d.close()

	d.conn.SetReadLimit(driverMaxMessage)
	d.conn.SetReadDeadline(time.Now().Add(driverPongWait))
	d.conn.SetPongHandler(func(string) error {
		d.conn.SetReadDeadline(time.Now().Add(driverPongWait))
		return nil
	})

	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("device_id", d.deviceID.String()).Msg("Driver socket read error")
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Str("device_id", d.deviceID.String()).Msg("Driver sent unparseable frame")
			continue
		}

		if frame.Kind == protocol.KindRequest && frame.Msg == "subscribe_events" {
			d.handleSubscribe(frame)
		}
	}
}

// handleSubscribe acks the request, opens the event stream, and announces
// the driver so the engine can resume its sessions.
func (d *driverSocket) handleSubscribe(frame protocol.Frame) {
	resp := protocol.Frame{
		Kind:  protocol.KindResponse,
		ReqID: frame.ID,
		Msg:   "subscribe_events",
		Code:  200,
	}
	if err := d.writeJSON(resp); err != nil {
		log.Warn().Err(err).Str("device_id", d.deviceID.String()).Msg("Driver subscribe ack failed")
		return
	}

	d.subOnce.Do(func() {
		subject := fmt.Sprintf("device.%s.>", d.deviceID)
		stop, err := d.server.stream(subject, d.outbound)
		if err != nil {
			log.Error().Err(err).Str("device_id", d.deviceID.String()).Msg("Driver event stream failed")
			return
		}
		d.streamMu.Lock()
		d.stopStream = stop
		d.streamMu.Unlock()

		payload, _ := json.Marshal(map[string]string{"device_id": d.deviceID.String()})
		if err := d.server.bus.Publish(fmt.Sprintf("host.driver.%s.subscribed", d.deviceID), payload); err != nil {
			log.Warn().Err(err).Str("device_id", d.deviceID.String()).Msg("Driver subscribed announcement failed")
		}

		log.Info().Str("device_id", d.deviceID.String()).Msg("Driver subscribed to events")
	})
}

func (d *driverSocket) writePump() {
	ticker := time.NewTicker(driverPingPeriod)
	defer ticker.Stop()
	defer d.close()

	for {
		select {
		case msg := <-d.outbound:
			if err := d.forward(msg); err != nil {
				return
			}
		case <-ticker.C:
			d.sendMu.Lock()
			d.conn.SetWriteDeadline(time.Now().Add(driverWriteWait))
			err := d.conn.WriteMessage(websocket.PingMessage, nil)
			d.sendMu.Unlock()
			if err != nil {
				return
			}
		case <-d.done:
			return
		}
	}
}

// forward relays a bus message to the driver. Payloads that already carry a
// frame envelope pass through untouched; bare payloads get wrapped in an
// event frame named after the subject tail.
func (d *driverSocket) forward(msg StreamMsg) error {
	var frame protocol.Frame
	if err := json.Unmarshal(msg.Data, &frame); err == nil && frame.Kind != "" {
		return d.writeRaw(msg.Data)
	}

	prefix := fmt.Sprintf("device.%s.", d.deviceID)
	wrapped := protocol.Frame{
		Kind:    protocol.KindEvent,
		Msg:     strings.TrimPrefix(msg.Subject, prefix),
		TS:      time.Now().UTC().Format(time.RFC3339),
		MsgData: msg.Data,
	}
	return d.writeJSON(wrapped)
}

func (d *driverSocket) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.writeRaw(data)
}

func (d *driverSocket) writeRaw(data []byte) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	d.conn.SetWriteDeadline(time.Now().Add(driverWriteWait))
	return d.conn.WriteMessage(websocket.TextMessage, data)
}

func (d *driverSocket) close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.streamMu.Lock()
		stop := d.stopStream
		d.streamMu.Unlock()
		if stop != nil {
			stop()
		}
		d.sendMu.Lock()
		d.conn.SetWriteDeadline(time.Now().Add(driverWriteWait))
		d.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		d.sendMu.Unlock()
		d.conn.Close()
		log.Info().Str("device_id", d.deviceID.String()).Msg("Driver disconnected")
	})
}
