// Package publish forwards decoded telemetry to other consumers on the
// network: an MQTT broker and a plain UDP listener on the LAN.
package publish

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"

	"groundstation/internal/ingest"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

// UDP sends every record report as one JSON datagram.
type UDP struct {
	dest string

	mu     sync.Mutex
	conn   udpConn
	sent   uint64
	failed uint64
}

func NewUDP(dest string) (*UDP, error) {
	return newUDP(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newUDP(
	dest string,
	resolve func(network, address string) (*net.UDPAddr, error),
	dial func(network string, laddr, raddr *net.UDPAddr) (udpConn, error),
) (*UDP, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &UDP{dest: dest, conn: conn}, nil
}

// Send writes a single datagram. Empty payloads are skipped.
func (u *UDP) Send(payload []byte) error {
	if u == nil || len(payload) == 0 {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return fmt.Errorf("udp %s: closed", u.dest)
	}
	_, err := u.conn.Write(payload)
	if err != nil {
		u.failed++
		return err
	}
	u.sent++
	return nil
}

func (u *UDP) OnRecord(r ingest.Record) {
	b, err := json.Marshal(r.Report)
	if err != nil {
		log.Printf("udp forward marshal failed: %v", err)
		return
	}
	if err := u.Send(b); err != nil {
		log.Printf("udp forward dest=%s failed: %v", u.dest, err)
	}
}

// OnError is a no-op: only records go out over UDP.
func (u *UDP) OnError(error) {}

func (u *UDP) OnClosed(string, bool) {}

// Counts reports datagrams sent and failed.
func (u *UDP) Counts() (sent, failed uint64) {
	if u == nil {
		return 0, 0
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sent, u.failed
}

func (u *UDP) Close() error {
	if u == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}
