// Package transport wraps a UDP socket with the receive/send primitives used
// by the relay loops.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
)

// MaxDatagramSize is the largest payload a UDP datagram can carry.
const MaxDatagramSize = 65535

var (
	// ErrClosed is returned by Receive and Send after Close.
	ErrClosed = errors.New("transport closed")

	// ErrShortWrite is returned when a datagram was not sent in one write.
	ErrShortWrite = errors.New("short write")

	// ErrTruncated is returned by Receive when a datagram did not fit the
	// receive buffer. The datagram is discarded; the socket stays usable.
	ErrTruncated = errors.New("datagram truncated")
)

// Datagram is a single received packet and its observed sender.
type Datagram struct {
	SenderHost string
	SenderPort int
	Payload    []byte
}

// Sender returns the sender in host:port form.
func (d Datagram) Sender() string {
	return net.JoinHostPort(d.SenderHost, strconv.Itoa(d.SenderPort))
}

// Options tunes a socket created by Listen.
type Options struct {
	// ReuseAddress sets SO_REUSEADDR and SO_REUSEPORT before binding.
	ReuseAddress bool

	// ReadBuffer and WriteBuffer set the kernel socket buffers. 0 keeps the OS default.
	ReadBuffer  int
	WriteBuffer int

	// MaxDatagramSize bounds the receive buffer. 0 means MaxDatagramSize.
	MaxDatagramSize int

	// SendTimeout bounds each Send. 0 means no deadline.
	SendTimeout time.Duration

	// TOS sets the IPv4 type-of-service byte on outgoing packets. 0 leaves it unchanged.
	TOS int
}

// Conn is a bound UDP socket.
type Conn struct {
	conn        *net.UDPConn
	buf         []byte
	sendTimeout time.Duration
	closed      atomic.Bool
}

// Listen binds a UDP socket to address (host:port).
func Listen(ctx context.Context, address string, opts Options) (*Conn, error) {
	lc := net.ListenConfig{}
	if opts.ReuseAddress {
		lc.Control = reuseControl
	}

	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	udpConn := pc.(*net.UDPConn)

	if opts.ReadBuffer > 0 {
		if err := udpConn.SetReadBuffer(opts.ReadBuffer); err != nil {
			udpConn.Close()
			return nil, fmt.Errorf("set read buffer: %w", err)
		}
	}
	if opts.WriteBuffer > 0 {
		if err := udpConn.SetWriteBuffer(opts.WriteBuffer); err != nil {
			udpConn.Close()
			return nil, fmt.Errorf("set write buffer: %w", err)
		}
	}
	if opts.TOS > 0 {
		if err := ipv4.NewConn(udpConn).SetTOS(opts.TOS); err != nil {
			udpConn.Close()
			return nil, fmt.Errorf("set tos: %w", err)
		}
	}

	size := opts.MaxDatagramSize
	if size <= 0 || size > MaxDatagramSize {
		size = MaxDatagramSize
	}

	return &Conn{
		conn:        udpConn,
		buf:         make([]byte, size),
		sendTimeout: opts.SendTimeout,
	}, nil
}

// Receive blocks until a datagram arrives. The returned payload is a copy and
// stays valid after the next call. Receive must not be called concurrently.
//
// A datagram larger than the receive buffer yields ErrTruncated together with
// its sender and a nil payload.
func (c *Conn) Receive() (Datagram, error) {
	n, _, flags, addr, err := c.conn.ReadMsgUDPAddrPort(c.buf, nil)
	if err != nil {
		if c.closed.Load() || errors.Is(err, net.ErrClosed) {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, fmt.Errorf("receive: %w", err)
	}

	dg := Datagram{
		SenderHost: addr.Addr().Unmap().String(),
		SenderPort: int(addr.Port()),
	}

	if truncated(flags) {
		return dg, fmt.Errorf("%w: datagram from %s exceeds %d bytes", ErrTruncated, dg.Sender(), len(c.buf))
	}

	dg.Payload = make([]byte, n)
	copy(dg.Payload, c.buf[:n])

	return dg, nil
}

// Send writes payload as one datagram to host:port. Send is safe for
// concurrent use.
func (c *Conn) Send(host string, port int, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	addr, err := resolve(host, port)
	if err != nil {
		return err
	}

	if c.sendTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	n, err := c.conn.WriteToUDPAddrPort(payload, addr)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	if n != len(payload) {
		return fmt.Errorf("send to %s: %w (%d of %d bytes)", addr, ErrShortWrite, n, len(payload))
	}
	return nil
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Close closes the socket and unblocks a pending Receive.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// resolve turns host and port into a socket address, resolving names when
// host is not a literal IP.
func resolve(host string, port int) (netip.AddrPort, error) {
	if port <= 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("invalid port %d", port)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip, uint16(port)), nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	return udpAddr.AddrPort(), nil
}
