// Package netcore is a small callback driven TCP substrate. Sockets are
// serviced by background goroutines but every callback runs inside the
// Stack's network context bracket, one at a time, so callback code and
// application code bracketed by Begin/End never interleave.
//
// Methods on Conn and Listener must be called inside the bracket, either from
// a callback or between Begin and End.
package netcore

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

var (
	// ErrClosed is returned by operations on a connection that was closed or aborted.
	ErrClosed = errors.New("netcore: connection closed")
	// ErrNotConnected is returned by Write before the connection is established.
	ErrNotConnected = errors.New("netcore: not connected")
	// ErrWouldBlock is returned by Write when the send queue is full.
	ErrWouldBlock = errors.New("netcore: send queue full")
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultQueueLen    = 8
	rxBufSize          = 1460
)

// StackConfig provides configuration parameters to NewStack.
type StackConfig struct {
	// DialTimeout bounds the time a Dial waits for the remote to accept.
	DialTimeout time.Duration
	// SendQueue is the number of writes that may be pending on a connection.
	SendQueue int
	Logger    *slog.Logger
}

// Stack owns the network context. Its bracket is the only serialization
// point between callbacks and application tasks.
type Stack struct {
	mu          sync.Mutex
	dialTimeout time.Duration
	queueLen    int
	log         *slog.Logger
}

// NewStack returns a Stack ready for use.
func NewStack(cfg StackConfig) *Stack {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultQueueLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Stack{
		dialTimeout: cfg.DialTimeout,
		queueLen:    cfg.SendQueue,
		log:         cfg.Logger,
	}
}

// Begin acquires the network context. It must be paired with End and is not reentrant.
func (s *Stack) Begin() { s.mu.Lock() }

// End releases the network context.
func (s *Stack) End() { s.mu.Unlock() }

// Callbacks are invoked inside the bracket. Any of them may be nil.
type Callbacks struct {
	// Connected is called once an outbound connection is established.
	Connected func(c *Conn)
	// Recv is called with received bytes. A nil slice signals end of stream.
	// data is only valid for the duration of the call.
	Recv func(c *Conn, data []byte)
	// Sent is called after n bytes queued by Write were handed to the network.
	Sent func(c *Conn, n int)
	// Poll is called each time the connection has seen no received
	// traffic for PollInterval.
	Poll func(c *Conn)
	// Err is called when the connection failed. The connection is already
	// released when Err runs and must not be used afterwards.
	Err func(c *Conn, err error)

	PollInterval time.Duration
}

// Dial starts an outbound connection to addr and returns immediately.
// cb.Connected or cb.Err reports the outcome. Must be called inside the bracket.
func (s *Stack) Dial(addr string, cb Callbacks) *Conn {
	c := s.newConn(cb)
	go func() {
		nc, err := net.DialTimeout("tcp", addr, s.dialTimeout)
		s.Begin()
		defer s.End()
		if c.closed {
			if nc != nil {
				nc.Close()
			}
			return
		}
		if err != nil {
			c.fail(err)
			return
		}
		c.attach(nc)
		if c.cb.Connected != nil {
			c.cb.Connected(c)
		}
	}()
	return c
}

func (s *Stack) newConn(cb Callbacks) *Conn {
	return &Conn{
		stack: s,
		cb:    cb,
		txq:   make(chan []byte, s.queueLen),
		kill:  make(chan struct{}),
	}
}

// Conn is a TCP connection driven by callbacks.
type Conn struct {
	stack  *Stack
	nc     net.Conn
	cb     Callbacks
	closed bool
	txq    chan []byte
	kill   chan struct{}
	// lastRx is the time of the last received segment, or of connection start.
	lastRx    time.Time
	pollTimer *time.Timer
	onRelease func()
}

// attach starts servicing nc. Called inside the bracket.
func (c *Conn) attach(nc net.Conn) {
	c.nc = nc
	c.lastRx = time.Now()
	go c.readLoop()
	go c.writeLoop()
	c.armPoll(c.cb.PollInterval)
}

// SetCallbacks replaces the connection's callbacks, typically from an accept handler.
func (c *Conn) SetCallbacks(cb Callbacks) {
	c.cb = cb
	if c.nc != nil && !c.closed {
		c.armPoll(cb.PollInterval)
	}
}

// RemoteAddr returns the remote network address, or nil before the connection is established.
func (c *Conn) RemoteAddr() net.Addr {
	if c.nc == nil {
		return nil
	}
	return c.nc.RemoteAddr()
}

// Connected reports whether the connection is established and not closed.
func (c *Conn) Connected() bool { return c.nc != nil && !c.closed }

// Write queues a copy of b for sending. It never blocks.
func (c *Conn) Write(b []byte) error {
	switch {
	case c.closed:
		return ErrClosed
	case c.nc == nil:
		return ErrNotConnected
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	select {
	case c.txq <- buf:
		return nil
	default:
		return ErrWouldBlock
	}
}

// Close deregisters all callbacks and closes the connection once queued
// writes are flushed. It fails if the connection was already released.
func (c *Conn) Close() error {
	if c.closed {
		return ErrClosed
	}
	c.release()
	if c.nc == nil {
		// Dial still in progress, the dialer closes the socket.
		return nil
	}
	close(c.txq)
	return nil
}

// Abort releases the connection immediately, discarding queued data and
// resetting the peer where the platform allows it.
func (c *Conn) Abort() {
	if !c.closed {
		c.release()
	}
	select {
	case <-c.kill:
		return
	default:
		close(c.kill)
	}
	if c.nc == nil {
		return
	}
	if tc, ok := c.nc.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	c.nc.Close()
}

// release marks the connection closed so no further callbacks are delivered.
func (c *Conn) release() {
	c.closed = true
	c.cb = Callbacks{}
	if c.pollTimer != nil {
		c.pollTimer.Stop()
	}
	if c.onRelease != nil {
		c.onRelease()
		c.onRelease = nil
	}
}

// fail releases the connection because of a transport error and reports it.
func (c *Conn) fail(err error) {
	errcb := c.cb.Err
	c.Abort()
	c.stack.log.Debug("netcore:conn-fail", slog.String("err", err.Error()))
	if errcb != nil {
		errcb(c, err)
	}
}

func (c *Conn) readLoop() {
	var buf [rxBufSize]byte
	for {
		n, err := c.nc.Read(buf[:])
		c.stack.Begin()
		if c.closed {
			c.stack.End()
			return
		}
		if n > 0 {
			c.lastRx = time.Now()
			if c.cb.Recv != nil {
				c.cb.Recv(c, buf[:n])
			}
		}
		if err != nil && !c.closed {
			if errors.Is(err, io.EOF) {
				if c.cb.Recv != nil {
					c.cb.Recv(c, nil)
				}
			} else {
				c.fail(err)
			}
		}
		c.stack.End()
		if err != nil {
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.kill:
			return
		case b, ok := <-c.txq:
			if !ok {
				c.nc.Close()
				return
			}
			n, err := c.nc.Write(b)
			c.stack.Begin()
			if !c.closed {
				if err != nil {
					c.fail(err)
				} else if c.cb.Sent != nil {
					c.cb.Sent(c, n)
				}
			}
			c.stack.End()
		}
	}
}

// armPoll (re)starts the idle timer. Called inside the bracket.
func (c *Conn) armPoll(interval time.Duration) {
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
	if interval <= 0 {
		return
	}
	c.pollTimer = time.AfterFunc(interval, c.firePoll)
}

func (c *Conn) firePoll() {
	c.stack.Begin()
	defer c.stack.End()
	interval := c.cb.PollInterval
	if c.closed || interval <= 0 || c.pollTimer == nil {
		return
	}
	if idle := time.Since(c.lastRx); idle < interval {
		c.pollTimer.Reset(interval - idle)
		return
	}
	if c.cb.Poll != nil {
		c.cb.Poll(c)
	}
	if !c.closed && c.pollTimer != nil {
		c.lastRx = time.Now()
		c.pollTimer.Reset(interval)
	}
}
