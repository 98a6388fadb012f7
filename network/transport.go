package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

var (
	// ErrReceiveTimeout indicates no datagram arrived within the wait bound.
	ErrReceiveTimeout = errors.New("network: receive timeout")
	// ErrTransportClosed indicates the transport was already closed.
	ErrTransportClosed = errors.New("network: transport closed")
)

// Transport is one end of a datagram flow to a single fixed peer.
type Transport interface {
	Send(datagram []byte) error
	// Receive blocks for at most timeout and returns ErrReceiveTimeout when
	// nothing arrived.
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

// DialOptions controls the client-side UDP socket.
type DialOptions struct {
	// TOS sets the IPv4 type-of-service byte on outbound datagrams when > 0.
	TOS int
	// BufferSize is the receive buffer; zero picks one large enough for ACKs and control tokens.
	BufferSize int
}

// UDPTransport is a connected UDP socket.
type UDPTransport struct {
	conn *net.UDPConn
	buf  []byte

	closeOnce sync.Once
	closeErr  error
}

// DialUDP opens a connected UDP socket to address.
func DialUDP(address string, options DialOptions) (*UDPTransport, error) {
	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", address, err)
	}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	if options.TOS > 0 {
		if err := setConnTOS(conn, options.TOS); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	size := options.BufferSize
	if size <= 0 {
		size = 512
	}
	return &UDPTransport{
		conn: conn,
		buf:  make([]byte, size),
	}, nil
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr returns the peer address.
func (t *UDPTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Send writes exactly one datagram.
func (t *UDPTransport) Send(datagram []byte) error {
	if _, err := t.conn.Write(datagram); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrTransportClosed
		}
		return fmt.Errorf("write datagram: %w", err)
	}
	return nil
}

// Receive reads one datagram with a bounded wait.
func (t *UDPTransport) Receive(timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	for {
		n, err := t.conn.Read(t.buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, ErrReceiveTimeout
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrTransportClosed
			}
			// Connected UDP sockets surface ICMP port-unreachable as read
			// errors; treat them like loss and keep waiting.
			var opErr *net.OpError
			if errors.As(err, &opErr) && !opErr.Timeout() {
				continue
			}
			return nil, fmt.Errorf("read datagram: %w", err)
		}
		return append([]byte(nil), t.buf[:n]...), nil
	}
}

// Close closes the socket once.
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func setConnTOS(conn net.Conn, tos int) error {
	if err := ipv4.NewConn(conn).SetTOS(tos); err != nil {
		return fmt.Errorf("set TOS %d: %w", tos, err)
	}
	return nil
}

func setPacketConnTOS(conn net.PacketConn, tos int) error {
	if err := ipv4.NewPacketConn(conn).SetTOS(tos); err != nil {
		return fmt.Errorf("set TOS %d: %w", tos, err)
	}
	return nil
}
