// Package modbustcp implements a Modbus TCP server on top of a netcore.Stack.
// Any number of clients up to the backlog may be connected. Each connection
// decodes its own frames and is torn down when idle.
package modbustcp

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/soypat/meterbridge"
	"github.com/soypat/meterbridge/netcore"
	"golang.org/x/exp/slog"
)

const (
	defaultAddress      = ":502"
	defaultBacklog      = 4
	defaultPollInterval = 5 * time.Second
)

var (
	errNilStack     = errors.New("modbustcp: nil netcore stack")
	errNilModel     = errors.New("modbustcp: nil data model")
	errStarted      = errors.New("modbustcp: server already started")
	errNotListening = errors.New("modbustcp: server not listening")
)

// ServerConfig provides configuration parameters to NewServer.
type ServerConfig struct {
	// Address to listen on, i.e: ":502" or "192.168.1.35:502". Defaults to ":502".
	// `localhost` is replaced with `127.0.0.1`.
	Address string
	Stack   *netcore.Stack
	// DataModel is read to build responses. It is accessed only inside the
	// stack bracket. If it has a SetDeviceAddress(uint8) method the unit id
	// is written to it on Start.
	DataModel meterbridge.DataModel
	// UnitID is the Modbus unit identifier the server answers as.
	UnitID uint8
	// PollInterval sets the idle timeout: a connection that receives nothing
	// for twice this long is closed. Defaults to 5s.
	PollInterval time.Duration
	// Backlog caps the number of live connections. Defaults to 4.
	Backlog int
	Logger  *slog.Logger
}

// Server is a Modbus TCP Server implementation. A Server listens on a network
// and answers register read requests from the data model.
type Server struct {
	address string
	stack   *netcore.Stack
	data    meterbridge.DataModel
	unit    uint8
	idle    time.Duration
	backlog int
	log     *slog.Logger
	ln      *netcore.Listener
	stats   Stats
}

// Stats counts server events.
type Stats struct {
	Accepted     uint64
	Responses    uint64
	Exceptions   uint64
	DecodeErrors uint64
	IdleClosed   uint64
}

type deviceAddresser interface {
	SetDeviceAddress(unit uint8)
}

// NewServer returns a Server ready to Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.Stack == nil:
		return nil, errNilStack
	case cfg.DataModel == nil:
		return nil, errNilModel
	}
	if cfg.Address == "" {
		cfg.Address = defaultAddress
	}
	cfg.Address = strings.Replace(cfg.Address, "localhost", "127.0.0.1", 1)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		address: cfg.Address,
		stack:   cfg.Stack,
		data:    cfg.DataModel,
		unit:    cfg.UnitID,
		idle:    2 * cfg.PollInterval,
		backlog: cfg.Backlog,
		log:     cfg.Logger,
	}, nil
}

// Start writes the unit id into the data model and begins listening.
func (sv *Server) Start() error {
	sv.stack.Begin()
	defer sv.stack.End()
	if sv.ln != nil {
		return errStarted
	}
	if da, ok := sv.data.(deviceAddresser); ok {
		da.SetDeviceAddress(sv.unit)
	}
	ln, err := sv.stack.Listen(sv.address, sv.backlog, sv.accept)
	if err != nil {
		sv.log.Error("modbustcp:listen", slog.String("addr", sv.address), slog.String("err", err.Error()))
		return err
	}
	sv.ln = ln
	sv.log.Info("modbustcp:started", slog.String("addr", ln.Addr().String()), slog.Int("backlog", sv.backlog))
	return nil
}

// Stop closes the listener and every live connection.
func (sv *Server) Stop() error {
	sv.stack.Begin()
	defer sv.stack.End()
	if sv.ln == nil {
		return errNotListening
	}
	for _, c := range sv.ln.Conns() {
		teardown(c)
	}
	err := sv.ln.Close()
	sv.ln = nil
	sv.log.Info("modbustcp:stopped")
	return err
}

// Addr returns the listening address, or an empty *net.TCPAddr if not started.
func (sv *Server) Addr() net.Addr {
	sv.stack.Begin()
	defer sv.stack.End()
	if sv.ln == nil {
		return &net.TCPAddr{}
	}
	return sv.ln.Addr()
}

// NumConns returns the number of live client connections.
func (sv *Server) NumConns() int {
	sv.stack.Begin()
	defer sv.stack.End()
	if sv.ln == nil {
		return 0
	}
	return sv.ln.NumConns()
}

// Stats returns a copy of the event counters.
func (sv *Server) Stats() Stats {
	sv.stack.Begin()
	defer sv.stack.End()
	return sv.stats
}

// accept runs inside the bracket for every new client.
func (sv *Server) accept(c *netcore.Conn) error {
	sv.stats.Accepted++
	cc := &clientConn{sv: sv}
	c.SetCallbacks(netcore.Callbacks{
		Recv:         cc.recv,
		Poll:         cc.poll,
		Err:          cc.err,
		PollInterval: sv.idle,
	})
	sv.log.Info("modbustcp:client-connected", slog.String("remote", c.RemoteAddr().String()))
	return nil
}

// clientConn is the per connection state.
type clientConn struct {
	sv    *Server
	dec   meterbridge.Decoder
	txbuf [meterbridge.MBAPSize + 2 + 2*meterbridge.MaxReadQuantity]byte
}

func (cc *clientConn) recv(c *netcore.Conn, data []byte) {
	sv := cc.sv
	if data == nil {
		sv.log.Info("modbustcp:client-eof", slog.String("remote", c.RemoteAddr().String()))
		teardown(c)
		return
	}
	for _, b := range data {
		switch cc.dec.Feed(b) {
		case meterbridge.DecodeInProgress:
			continue
		case meterbridge.DecodeError:
			sv.stats.DecodeErrors++
			sv.log.Warn("modbustcp:decode", slog.String("remote", c.RemoteAddr().String()), slog.String("err", cc.dec.Err().Error()))
			teardown(c)
			return
		}
		cc.respond(c)
		cc.dec.Reset()
	}
}

func (cc *clientConn) respond(c *netcore.Conn) {
	sv := cc.sv
	req := cc.dec.Request()
	n, exc, err := cc.dec.PutResponse(sv.data, cc.txbuf[:])
	if err != nil {
		sv.log.Error("modbustcp:response", slog.String("req", req.String()), slog.String("err", err.Error()))
		return
	}
	if exc != meterbridge.ExceptionNone {
		sv.stats.Exceptions++
		sv.log.Warn("modbustcp:exception", slog.String("req", req.String()), slog.String("exc", exc.Error()))
	} else {
		sv.stats.Responses++
		sv.log.Debug("modbustcp:response", slog.Int("addr", int(req.Addr)), slog.Int("quantity", int(req.Quantity)))
	}
	if err := c.Write(cc.txbuf[:n]); err != nil {
		sv.log.Warn("modbustcp:write", slog.String("err", err.Error()))
	}
}

func (cc *clientConn) poll(c *netcore.Conn) {
	cc.sv.stats.IdleClosed++
	cc.sv.log.Info("modbustcp:idle-close", slog.String("remote", c.RemoteAddr().String()))
	teardown(c)
}

func (cc *clientConn) err(c *netcore.Conn, err error) {
	// netcore already released the connection.
	cc.sv.log.Error("modbustcp:conn", slog.String("err", err.Error()))
}

// teardown deregisters the callbacks of c and closes it, aborting if close fails.
func teardown(c *netcore.Conn) {
	if err := c.Close(); err != nil {
		c.Abort()
	}
}
