package netcore

import (
	"errors"
	"net"

	"golang.org/x/exp/slog"
)

// AcceptFunc is called inside the bracket for each accepted connection. It
// installs the connection's callbacks with Conn.SetCallbacks. Returning an
// error closes the connection.
type AcceptFunc func(c *Conn) error

// Listener accepts inbound connections and hands them to an AcceptFunc.
type Listener struct {
	stack   *Stack
	ln      net.Listener
	accept  AcceptFunc
	backlog int
	live    map[*Conn]struct{}
	closed  bool
}

// Listen binds addr and starts accepting. At most backlog connections are
// kept alive at once; connections beyond that are closed on arrival.
// A backlog under 1 means one. Must be called inside the bracket.
func (s *Stack) Listen(addr string, backlog int, accept AcceptFunc) (*Listener, error) {
	if accept == nil {
		return nil, errors.New("netcore: nil accept func")
	}
	if backlog < 1 {
		backlog = 1
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		stack:   s,
		ln:      ln,
		accept:  accept,
		backlog: backlog,
		live:    make(map[*Conn]struct{}, backlog),
	}
	go l.acceptLoop()
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// NumConns returns the number of live accepted connections.
func (l *Listener) NumConns() int { return len(l.live) }

// Conns returns the live accepted connections.
func (l *Listener) Conns() []*Conn {
	conns := make([]*Conn, 0, len(l.live))
	for c := range l.live {
		conns = append(conns, c)
	}
	return conns
}

// Close stops accepting. Live connections are not affected.
func (l *Listener) Close() error {
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	return l.ln.Close()
}

func (l *Listener) acceptLoop() {
	log := l.stack.log
	for {
		nc, err := l.ln.Accept()
		l.stack.Begin()
		if l.closed {
			l.stack.End()
			if nc != nil {
				nc.Close()
			}
			return
		}
		if err != nil {
			l.stack.End()
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Error("netcore:accept", slog.String("err", err.Error()))
			return
		}
		if len(l.live) >= l.backlog {
			log.Warn("netcore:backlog-full", slog.String("remote", nc.RemoteAddr().String()), slog.Int("live", len(l.live)))
			nc.Close()
			l.stack.End()
			continue
		}
		c := l.stack.newConn(Callbacks{})
		l.live[c] = struct{}{}
		c.onRelease = func() { delete(l.live, c) }
		c.attach(nc)
		if err := l.accept(c); err != nil {
			log.Warn("netcore:accept-rejected", slog.String("remote", nc.RemoteAddr().String()), slog.String("err", err.Error()))
			c.Abort()
		}
		l.stack.End()
	}
}
