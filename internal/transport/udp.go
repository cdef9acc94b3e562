package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opera-aberglund/nimble-server-lib/internal/wire"
)

// UDPTransport is the production Transport adapter: a single
// net.PacketConn multiplexed over connection indices assigned by
// source address on first sight, mirroring spec.md §6's "connection
// indices are small integers stable for the lifetime of the
// transport-level session".
type UDPTransport struct {
	conn net.PacketConn

	mu          sync.Mutex
	addrToIndex map[string]int
	indexToAddr map[int]net.Addr
	nextIndex   int
	maxIndex    int

	recvBuf []byte
}

// NewUDPTransport binds addr and returns a transport that assigns
// connection indices in [0, maxConnectionCount).
func NewUDPTransport(addr string, maxConnectionCount int) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %s: %w", addr, err)
	}
	return &UDPTransport{
		conn:        conn,
		addrToIndex: make(map[string]int),
		indexToAddr: make(map[int]net.Addr),
		maxIndex:    maxConnectionCount,
		recvBuf:     make([]byte, wire.MaxDatagramOctets),
	}, nil
}

// Close releases the underlying socket.
func (t *UDPTransport) Close() error { return t.conn.Close() }

// ReceiveFrom implements Transport. It waits at most one millisecond
// for a datagram; when none arrives in that time the read deadline
// expires and it returns (0, nil, false, nil).
func (t *UDPTransport) ReceiveFrom() (int, []byte, bool, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, nil, false, err
	}
	n, addr, err := t.conn.ReadFrom(t.recvBuf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	index, ok := t.indexFor(addr)
	if !ok {
		return 0, nil, false, fmt.Errorf("transport: connection capacity %d exhausted", t.maxIndex)
	}
	buf := make([]byte, n)
	copy(buf, t.recvBuf[:n])
	return index, buf, true, nil
}

// SendTo implements Transport.
func (t *UDPTransport) SendTo(connectionID int, buf []byte) error {
	t.mu.Lock()
	addr, ok := t.indexToAddr[connectionID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown connection id %d", connectionID)
	}
	_, err := t.conn.WriteTo(buf, addr)
	return err
}

func (t *UDPTransport) indexFor(addr net.Addr) (int, bool) {
	key := addr.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.addrToIndex[key]; ok {
		return idx, true
	}
	if t.nextIndex >= t.maxIndex {
		return 0, false
	}
	idx := t.nextIndex
	t.nextIndex++
	t.addrToIndex[key] = idx
	t.indexToAddr[idx] = addr
	return idx, true
}
