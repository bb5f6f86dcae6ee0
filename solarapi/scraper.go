// Package solarapi scrapes realtime meter data from an inverter's solar API
// HTTP endpoint and writes it into a sunspec.Meter.
//
// The response is not parsed as JSON. Bytes are accumulated until the first
// top level object closes, then scanned line by line for known keys.
package solarapi

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/soypat/meterbridge/netcore"
	"github.com/soypat/meterbridge/sunspec"
	"golang.org/x/exp/slog"
)

// Request is sent verbatim on every poll.
const Request = "GET /solar_api/v1/GetMeterRealtimeData.cgi HTTP/1.0\r\nHost: meterbridge.local\r\nAccept: */*\r\n\r\n"

const (
	DefaultAddr     = "192.168.178.181:80"
	DefaultTimeout  = 500 * time.Millisecond
	DefaultInterval = 500 * time.Millisecond

	bufCap         = 2 * 4096
	forceParseSize = 4096
)

var errNilDependency = errors.New("solarapi: nil stack or meter")

// State is the scraper session state.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateReceiving
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReceiving:
		return "receiving"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Config provides configuration parameters to NewScraper.
type Config struct {
	// Addr is the host:port of the inverter. Defaults to DefaultAddr.
	Addr  string
	Stack *netcore.Stack
	// Meter receives extracted values. It is accessed inside the stack bracket only.
	Meter *sunspec.Meter
	// Timeout is how long Poll waits for a payload. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Interval is the period of Run. Defaults to DefaultInterval.
	Interval time.Duration
	// StaleAfter is how long an unanswered request may stay outstanding
	// before the connection is aborted and a new one started. Defaults to 10×Timeout.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// Stats counts scraper events.
type Stats struct {
	Dials       uint64
	Requests    uint64
	Completions uint64
	Coalesced   uint64
	Dropped     uint64 // bytes dropped on buffer overflow
	Errors      uint64
}

// Scraper holds the single scrape session. Its fields are guarded by the stack bracket.
type Scraper struct {
	addr       string
	stack      *netcore.Stack
	meter      *sunspec.Meter
	timeout    time.Duration
	interval   time.Duration
	staleAfter time.Duration
	log        *slog.Logger

	conn      *netcore.Conn
	connected bool
	state     State
	// done is closed when the outstanding request completes. nil when idle.
	done      chan struct{}
	requested time.Time
	buf       [bufCap]byte
	n         int
	depth     int
	listeners []func(sunspec.Snapshot)
	stats     Stats
}

// NewScraper returns a Scraper ready to Poll.
func NewScraper(cfg Config) (*Scraper, error) {
	if cfg.Stack == nil || cfg.Meter == nil {
		return nil, errNilDependency
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * cfg.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scraper{
		addr:       cfg.Addr,
		stack:      cfg.Stack,
		meter:      cfg.Meter,
		timeout:    cfg.Timeout,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		log:        cfg.Logger,
	}, nil
}

// AddListener registers fn to receive a snapshot after every completed scrape.
// fn runs inside the stack bracket and must not block or call Begin.
func (s *Scraper) AddListener(fn func(sunspec.Snapshot)) {
	s.stack.Begin()
	s.listeners = append(s.listeners, fn)
	s.stack.End()
}

// State returns the current session state.
func (s *Scraper) State() State {
	s.stack.Begin()
	defer s.stack.End()
	return s.state
}

// Stats returns a copy of the event counters.
func (s *Scraper) Stats() Stats {
	s.stack.Begin()
	defer s.stack.End()
	return s.stats
}

// Poll requests fresh values and waits up to the configured timeout for them.
// A timeout is not an error and leaves the connection open for the next poll.
// A Poll issued while a request is outstanding sends nothing and waits on the
// outstanding request. Poll only fails if ctx is done.
func (s *Scraper) Poll(ctx context.Context) error {
	s.stack.Begin()
	done := s.start()
	s.stack.End()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Debug("solarapi:poll-timeout", slog.Duration("timeout", s.timeout))
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Run polls every interval while connected reports true, until ctx is done.
// A nil connected is treated as always connected.
func (s *Scraper) Run(ctx context.Context, connected func() bool) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if connected == nil || connected() {
			if err := s.Poll(ctx); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// start issues a request unless one is outstanding and returns the channel
// that is closed on its completion. Called inside the bracket.
func (s *Scraper) start() <-chan struct{} {
	if s.done != nil {
		if time.Since(s.requested) < s.staleAfter {
			s.stats.Coalesced++
			return s.done
		}
		s.log.Warn("solarapi:stale-request", slog.String("state", s.state.String()))
		s.teardown(true)
	}
	s.done = make(chan struct{})
	s.requested = time.Now()
	if s.conn != nil && s.connected {
		s.send()
		return s.done
	}
	if s.conn == nil {
		s.stats.Dials++
		s.state = StateConnecting
		s.conn = s.stack.Dial(s.addr, netcore.Callbacks{
			Connected: s.onConnected,
			Recv:      s.onRecv,
			Err:       s.onErr,
		})
	}
	return s.done
}

func (s *Scraper) send() {
	s.state = StateReceiving
	s.stats.Requests++
	if err := s.conn.Write([]byte(Request)); err != nil {
		s.log.Error("solarapi:send", slog.String("err", err.Error()))
		s.stats.Errors++
		s.teardown(true)
		s.state = StateError
		return
	}
	s.log.Debug("solarapi:request-sent", slog.String("addr", s.addr))
}

func (s *Scraper) onConnected(c *netcore.Conn) {
	if c != s.conn {
		return
	}
	s.connected = true
	s.log.Debug("solarapi:connected", slog.String("addr", s.addr))
	if s.done != nil {
		s.send()
	}
}

func (s *Scraper) onRecv(c *netcore.Conn, data []byte) {
	if c != s.conn {
		return
	}
	if data == nil {
		s.log.Debug("solarapi:eof", slog.Int("buffered", s.n))
		s.teardown(false)
		s.state = StateIdle
		return
	}
	finished := false
	for _, b := range data {
		if s.n < len(s.buf) {
			s.buf[s.n] = b
			s.n++
		} else {
			s.stats.Dropped++
		}
		// The closing brace of the first top level object marks completion.
		finished = finished || (s.depth == 1 && b == '}')
		switch b {
		case '{':
			s.depth++
		case '}':
			s.depth--
		}
	}
	if !finished && s.n <= forceParseSize {
		return
	}
	if !finished {
		s.log.Warn("solarapi:forced-parse", slog.Int("buffered", s.n), slog.Int("depth", s.depth))
	}
	s.complete()
}

// complete scans the buffer, clears it and signals waiters.
func (s *Scraper) complete() {
	written := scanPayload(s.buf[:s.n], s.meter)
	s.log.Info("solarapi:updated", slog.Int("fields", written), slog.Int("bytes", s.n))
	s.resetBuffer()
	s.state = StateComplete
	s.stats.Completions++
	s.signal()
	if len(s.listeners) > 0 {
		snap := s.meter.Snapshot()
		for _, fn := range s.listeners {
			fn(snap)
		}
	}
}

func (s *Scraper) onErr(c *netcore.Conn, err error) {
	if c != s.conn {
		return
	}
	s.log.Error("solarapi:transport", slog.String("addr", s.addr), slog.String("err", err.Error()))
	s.stats.Errors++
	// The connection is already released by netcore.
	s.conn = nil
	s.teardown(false)
	s.state = StateError
}

// teardown resets the session and releases the connection. Waiters of an
// unfinished request are not woken, they time out.
func (s *Scraper) teardown(abort bool) {
	s.resetBuffer()
	s.done = nil
	s.connected = false
	if s.conn == nil {
		return
	}
	c := s.conn
	s.conn = nil
	if abort {
		c.Abort()
		return
	}
	if err := c.Close(); err != nil {
		s.log.Warn("solarapi:close-failed", slog.String("err", err.Error()))
		c.Abort()
	}
}

func (s *Scraper) resetBuffer() {
	s.n = 0
	s.depth = 0
}

func (s *Scraper) signal() {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}
