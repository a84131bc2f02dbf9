// Package network publishes fleet snapshots over UDP and watches the feed from other nodes.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"liftdispatch/src/elev"
	"liftdispatch/src/timer"

	"github.com/libp2p/go-reuseport"
)

const (
	bufferSize  = 64 * 1024
	readTimeout = 50 * time.Millisecond
)

// Transmitter sends the result of snapshot to addr every interval until ctx is done.
func Transmitter(ctx context.Context, addr, nodeID string, interval time.Duration, snapshot func() []elev.ElevState) error {
	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := reuseport.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("status feed socket: %w", err)
	}
	defer conn.Close()

	var counter atomic.Uint64
	slog.Info("Status feed started", "addr", addr, "node", nodeID, "interval", interval)
	timer.Every(ctx, interval, func() {
		msg := StatusMsg{
			NodeID:    nodeID,
			Counter:   counter.Add(1),
			Elevators: snapshot(),
			SentAt:    time.Now(),
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			slog.Error("Encoding status failed", "err", err)
			return
		}
		if _, err := conn.WriteTo(payload, dst); err != nil {
			slog.Warn("Status feed write failed", "addr", addr, "err", err)
		}
	})
	return nil
}

// Receiver listens for status messages. Several receivers on one host may bind the same port.
type Receiver struct {
	conn    net.PacketConn
	timeout time.Duration
}

func NewReceiver(addr string, timeout time.Duration) (*Receiver, error) {
	conn, err := reuseport.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("status feed listen %s: %w", addr, err)
	}
	return &Receiver{conn: conn, timeout: timeout}, nil
}

func (r *Receiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Run reads the feed until ctx is done and closes the socket on return.
//   - messages with a counter not newer than the last one seen from that node are ignored
//   - nodes silent for longer than the timeout are reported as lost
func (r *Receiver) Run(ctx context.Context, updates chan<- FeedUpdate) error {
	defer r.conn.Close()

	buf := make([]byte, bufferSize)
	lastSeen := make(map[string]time.Time)
	lastCounter := make(map[string]uint64)

	for {
		if ctx.Err() != nil {
			return nil
		}
		var update FeedUpdate
		updated := false

		if err := r.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, _, err := r.conn.ReadFrom(buf)
		var netErr net.Error
		switch {
		case err == nil:
			var msg StatusMsg
			if err := json.Unmarshal(buf[:n], &msg); err != nil || msg.NodeID == "" {
				slog.Debug("Ignoring malformed status message", "err", err)
				break
			}
			if _, known := lastSeen[msg.NodeID]; !known {
				update.New = msg.NodeID
			}
			lastSeen[msg.NodeID] = time.Now()
			if msg.Counter > lastCounter[msg.NodeID] {
				lastCounter[msg.NodeID] = msg.Counter
				update.Status = &msg
			}
			updated = update.New != "" || update.Status != nil
		case errors.As(err, &netErr) && netErr.Timeout():
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("status feed read: %w", err)
		}

		for node, seen := range lastSeen {
			if time.Since(seen) > r.timeout {
				update.Lost = append(update.Lost, node)
				delete(lastSeen, node)
				delete(lastCounter, node)
				updated = true
			}
		}

		if updated {
			update.Nodes = make([]string, 0, len(lastSeen))
			for node := range lastSeen {
				update.Nodes = append(update.Nodes, node)
			}
			sort.Strings(update.Nodes)
			sort.Strings(update.Lost)
			select {
			case updates <- update:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
