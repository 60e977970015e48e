package rtp

import (
	"context"
)

// MemTransport is an in-memory, lossless, ordered Transport used by
// the package's own tests in place of a real UDP socket -- the
// equivalent of the teacher's test doubles for its transport layer,
// generalized to this package's byte-oriented Transport interface.
type MemTransport struct {
	out     chan []byte
	in      chan []byte
	closed  chan struct{}
}

// NewMemTransportPair builds two MemTransports wired to each other:
// sends on a arrive as receives on b, and vice versa.
func NewMemTransportPair(bufSize int) (a, b *MemTransport) {
	ab := make(chan []byte, bufSize)
	ba := make(chan []byte, bufSize)
	closedA := make(chan struct{})
	closedB := make(chan struct{})
	a = &MemTransport{out: ab, in: ba, closed: closedA}
	b = &MemTransport{out: ba, in: ab, closed: closedB}
	return a, b
}

func (t *MemTransport) Send(ctx context.Context, b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case t.out <- cp:
		return nil
	case <-t.closed:
		return newErr(KindTransportError, "transport closed", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-t.in:
		return b, nil
	case <-t.closed:
		return nil, newErr(KindTransportError, "transport closed", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}
