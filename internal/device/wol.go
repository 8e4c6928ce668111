package device

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// wakePort is the conventional Wake-on-LAN discard port.
const wakePort = 9

// SendMagicPacket broadcasts a Wake-on-LAN magic packet for the given MAC:
// six 0xFF bytes followed by sixteen repetitions of the hardware address.
func SendMagicPacket(mac string) error {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return fmt.Errorf("parse mac: %w", err)
	}
	if len(hw) != 6 {
		return fmt.Errorf("unsupported hardware address length %d", len(hw))
	}

	payload := bytes.NewBuffer(make([]byte, 0, 102))
	payload.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	for i := 0; i < 16; i++ {
		payload.Write(hw)
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("255.255.255.255:%d", wakePort))
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("open wake socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(payload.Bytes()); err != nil {
		return fmt.Errorf("send magic packet: %w", err)
	}

	log.Debug().Str("mac", mac).Msg("wake-on-lan packet sent")
	return nil
}

// WaitReachable polls probe until it succeeds or the grace period elapses.
func WaitReachable(ctx context.Context, probe func(context.Context) error, grace, interval time.Duration) error {
	deadline := time.Now().Add(grace)
	for {
		if err := probe(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("device unreachable after %s", grace)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
