// Package tracker implements the UDP tracker connect/announce
// exchange (BEP 15) that discovers peers for a torrent. It is a
// collaborator to the core download engine: the engine only consumes
// the []PeerAddr it returns.
package tracker

import (
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"net"
	"net/url"
	"time"
)

// PeerAddr is one peer endpoint returned by a tracker announce.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string {
	return net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
}

const (
	protocolID     = 0x41727101980
	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3
	eventStarted   = 2
)

// AnnounceResult carries the outcome of a successful announce.
type AnnounceResult struct {
	Peers    []PeerAddr
	Interval time.Duration
}

// Announce performs a connect-then-announce exchange against a single
// UDP tracker and returns the peers and suggested re-announce
// interval it reports.
func Announce(announceURL string, infoHash, peerID [20]byte, left int64, port uint16) (AnnounceResult, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: parsing announce url: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: resolving %s: %w", u.Host, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: dialing %s: %w", addr, err)
	}
	defer conn.Close()

	var connectionID uint64
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		connectionID, lastErr = connect(conn, attempt)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: connect to %s: %w", addr, lastErr)
	}

	return announce(conn, connectionID, infoHash, peerID, left, port)
}

func connect(conn *net.UDPConn, attempt int) (uint64, error) {
	transactionID := mrand.Uint32()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], transactionID)

	conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("short connect response: %d bytes", n)
	}
	if binary.BigEndian.Uint32(resp[0:4]) != actionConnect {
		return 0, fmt.Errorf("unexpected connect action %d", binary.BigEndian.Uint32(resp[0:4]))
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return 0, fmt.Errorf("connect transaction id mismatch")
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func announce(conn *net.UDPConn, connectionID uint64, infoHash, peerID [20]byte, left int64, port uint16) (AnnounceResult, error) {
	transactionID := mrand.Uint32()

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connectionID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], transactionID)
	copy(req[16:36], infoHash[:])
	copy(req[36:56], peerID[:])
	binary.BigEndian.PutUint64(req[56:64], 0)                  // downloaded
	binary.BigEndian.PutUint64(req[64:72], uint64(left))        // left
	binary.BigEndian.PutUint64(req[72:80], 0)                  // uploaded
	binary.BigEndian.PutUint32(req[80:84], eventStarted)
	// req[84:88] ip, left zero (default)
	binary.BigEndian.PutUint32(req[88:92], mrand.Uint32()) // key
	binary.BigEndian.PutUint32(req[92:96], 0xFFFFFFFF)      // num_want: default (-1)
	binary.BigEndian.PutUint16(req[96:98], port)

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(req); err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: writing announce: %w", err)
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: reading announce response: %w", err)
	}
	if n < 20 {
		return AnnounceResult{}, fmt.Errorf("tracker: short announce response: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == actionError {
		return AnnounceResult{}, fmt.Errorf("tracker: error response: %s", resp[8:n])
	}
	if action != actionAnnounce {
		return AnnounceResult{}, fmt.Errorf("tracker: unexpected announce action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return AnnounceResult{}, fmt.Errorf("tracker: announce transaction id mismatch")
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	peerBytes := resp[20:n]
	if len(peerBytes)%6 != 0 {
		return AnnounceResult{}, fmt.Errorf("tracker: malformed compact peer list (%d bytes)", len(peerBytes))
	}

	peers := make([]PeerAddr, len(peerBytes)/6)
	for i := range peers {
		off := i * 6
		peers[i] = PeerAddr{
			IP:   net.IPv4(peerBytes[off], peerBytes[off+1], peerBytes[off+2], peerBytes[off+3]),
			Port: binary.BigEndian.Uint16(peerBytes[off+4 : off+6]),
		}
	}

	return AnnounceResult{Peers: peers, Interval: time.Duration(interval) * time.Second}, nil
}
