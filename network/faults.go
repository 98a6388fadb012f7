package network

import (
	"math/rand"
	"net"
	"sync"
)

// Fault decides what happens to one outbound datagram between "decided to send"
// and "placed on the wire". It may return a modified copy, or drop it.
type Fault func(datagram []byte) (out []byte, drop bool)

// RandomFaults drops datagrams with probability dropRate and flips one byte in
// data payloads with probability corruptRate. Control tokens and ACKs are only
// ever dropped, never corrupted.
func RandomFaults(dropRate, corruptRate float64, seed int64) Fault {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))

	return func(datagram []byte) ([]byte, bool) {
		mu.Lock()
		defer mu.Unlock()

		if dropRate > 0 && rng.Float64() < dropRate {
			return nil, true
		}
		if corruptRate > 0 && Classify(datagram) == KindData && rng.Float64() < corruptRate {
			packet, err := DecodeData(datagram)
			if err != nil || len(packet.Payload) == 0 {
				return datagram, false
			}
			out := append([]byte(nil), datagram...)
			idx := len(out) - len(packet.Payload) + rng.Intn(len(packet.Payload))
			out[idx] ^= 0xFF
			return out, false
		}
		return datagram, false
	}
}

// DropDataOnce drops the first transmission of the given data sequence numbers.
func DropDataOnce(sequences ...int) Fault {
	var mu sync.Mutex
	pending := make(map[int]bool, len(sequences))
	for _, seq := range sequences {
		pending[seq] = true
	}

	return func(datagram []byte) ([]byte, bool) {
		if Classify(datagram) != KindData {
			return datagram, false
		}
		packet, err := DecodeData(datagram)
		if err != nil {
			return datagram, false
		}

		mu.Lock()
		defer mu.Unlock()
		if pending[packet.Sequence] {
			delete(pending, packet.Sequence)
			return nil, true
		}
		return datagram, false
	}
}

type faultyTransport struct {
	Transport
	fault Fault
}

// WithFaults decorates the send side of a transport.
func WithFaults(t Transport, fault Fault) Transport {
	if fault == nil {
		return t
	}
	return &faultyTransport{Transport: t, fault: fault}
}

func (t *faultyTransport) Send(datagram []byte) error {
	out, drop := t.fault(datagram)
	if drop {
		return nil
	}
	return t.Transport.Send(out)
}

type faultyPacketConn struct {
	net.PacketConn
	fault Fault
}

// FaultyPacketConn decorates the reply side of a server socket.
func FaultyPacketConn(conn net.PacketConn, fault Fault) net.PacketConn {
	if fault == nil {
		return conn
	}
	return &faultyPacketConn{PacketConn: conn, fault: fault}
}

func (c *faultyPacketConn) WriteTo(datagram []byte, addr net.Addr) (int, error) {
	out, drop := c.fault(datagram)
	if drop {
		return len(datagram), nil
	}
	return c.PacketConn.WriteTo(out, addr)
}
