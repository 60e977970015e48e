package rtp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PortAllocator guards UDP port assignments process-wide, spec §5: it
// is the one piece of shared mutable state multiple independent
// sessions may touch. Grounded on the teacher's transport_common.go
// socket-option helpers (SyscallConn + raw fd control), generalized
// from a single fixed RTP/RTCP pair into the general allocate_udp
// contract spec §5 names.
type PortAllocator struct {
	maxScan int
	held    []*net.UDPConn
}

// NewPortAllocator builds an allocator that tries up to maxScan ports,
// starting with the requested one, before giving up (default 100).
func NewPortAllocator(maxScan int) *PortAllocator {
	if maxScan <= 0 {
		maxScan = 100
	}
	return &PortAllocator{maxScan: maxScan}
}

// AllocateUDP implements spec §5's allocate_udp(addr, port?, mandatory)
// -> (bound_socket, actual_port). It tries the requested port first,
// then scans upward unless mandatory is set, in which case any bind
// failure is returned immediately.
func (a *PortAllocator) AllocateUDP(addr string, port int, mandatory bool) (*net.UDPConn, int, error) {
	tries := 1
	if !mandatory {
		tries = a.maxScan
	}
	var lastErr error
	for i := 0; i < tries; i++ {
		p := port + i
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(addr), Port: p})
		if err == nil {
			if soErr := setReuseAddr(conn); soErr != nil {
				conn.Close()
				lastErr = soErr
				continue
			}
			a.held = append(a.held, conn)
			return conn, p, nil
		}
		lastErr = err
		if mandatory {
			break
		}
	}
	return nil, 0, newErr(KindTransportError, "allocate_udp", lastErr)
}

// AllocateRTPRTCPPair implements the RTP+RTCP rule from spec §5: an
// even RTP port with RTCP = RTP+1, unless muxed.
func (a *PortAllocator) AllocateRTPRTCPPair(addr string, basePort int, mux bool) (rtp, rtcp *net.UDPConn, rtpPort, rtcpPort int, err error) {
	if mux {
		conn, p, e := a.AllocateUDP(addr, basePort, false)
		if e != nil {
			return nil, nil, 0, 0, e
		}
		return conn, conn, p, p, nil
	}
	for p := basePort; ; p += 2 {
		if p%2 != 0 {
			p++
		}
		rconn, rport, e1 := a.AllocateUDP(addr, p, true)
		if e1 != nil {
			continue
		}
		cconn, cport, e2 := a.AllocateUDP(addr, p+1, true)
		if e2 != nil {
			rconn.Close()
			a.release(rconn)
			continue
		}
		return rconn, cconn, rport, cport, nil
	}
}

func setReuseAddr(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}
	var sockErr error
	ctlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if ctlErr != nil {
		return ctlErr
	}
	return sockErr
}

func (a *PortAllocator) release(conn *net.UDPConn) {
	for i, c := range a.held {
		if c == conn {
			a.held = append(a.held[:i], a.held[i+1:]...)
			return
		}
	}
}

// Close releases every socket the allocator still holds; sockets
// explicitly handed back via Release by the caller are not touched
// twice, per spec §5's ownership rule ("sockets returned are owned by
// the caller; the allocator releases all sockets it still holds on drop").
func (a *PortAllocator) Close() error {
	var firstErr error
	for _, c := range a.held {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.held = nil
	return firstErr
}

// Release hands ownership of conn back to the caller, removing it
// from the allocator's own cleanup set.
func (a *PortAllocator) Release(conn *net.UDPConn) {
	a.release(conn)
}
