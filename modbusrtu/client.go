package modbusrtu

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/soypat/meterbridge"
	"golang.org/x/exp/slog"
)

var (
	errWrongAddress = errors.New("modbusrtu: response from wrong device")
	errTimeout      = errors.New("modbusrtu: response timeout")
)

// ClientConfig provides configuration parameters to NewClient.
type ClientConfig struct {
	// RxTimeout bounds the wait for a response. Zero waits forever.
	RxTimeout time.Duration
	Logger    *slog.Logger
}

// Client reads registers from RTU devices. It is safe for concurrent use,
// requests are serialized.
type Client struct {
	mu      sync.Mutex
	port    io.ReadWriter
	rx      frameReader
	tx      meterbridge.Tx
	txbuf   [maxADU]byte
	timeout time.Duration
	log     *slog.Logger
}

// NewClient returns a client without a transport, see SetTransport.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{timeout: cfg.RxTimeout, log: cfg.Logger}
}

// SetTransport sets the line the client talks on.
func (c *Client) SetTransport(port io.ReadWriter) {
	c.mu.Lock()
	c.port = port
	c.rx = frameReader{r: port}
	c.mu.Unlock()
}

// ReadHoldingRegisters reads len(regs) holding registers starting at regAddr from device devAddr.
func (c *Client) ReadHoldingRegisters(devAddr uint8, regAddr uint16, regs []uint16) error {
	return c.read(meterbridge.FCReadHoldingRegisters, devAddr, regAddr, regs)
}

// ReadInputRegisters reads len(regs) input registers starting at regAddr from device devAddr.
func (c *Client) ReadInputRegisters(devAddr uint8, regAddr uint16, regs []uint16) error {
	return c.read(meterbridge.FCReadInputRegisters, devAddr, regAddr, regs)
}

func (c *Client) read(fc meterbridge.FunctionCode, devAddr uint8, regAddr uint16, regs []uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return errNilPort
	}
	var n int
	var err error
	if fc == meterbridge.FCReadInputRegisters {
		n, err = c.tx.RequestReadInputRegisters(c.txbuf[1:], regAddr, uint16(len(regs)))
	} else {
		n, err = c.tx.RequestReadHoldingRegisters(c.txbuf[1:], regAddr, uint16(len(regs)))
	}
	if err != nil {
		return err
	}
	c.txbuf[0] = devAddr
	n = putCRC(c.txbuf[:], n+1)
	if _, err = c.port.Write(c.txbuf[:n]); err != nil {
		return &PortError{Err: err}
	}
	adu, err := c.receive()
	if err != nil {
		return err
	}
	if adu[0] != devAddr {
		return errWrongAddress
	}
	data, err := meterbridge.ReceiveDataResponse(adu[1 : len(adu)-2])
	if err != nil {
		return err
	}
	if len(data) != 2*len(regs) {
		return errShortFrame
	}
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	c.log.Debug("modbusrtu:read", slog.Int("dev", int(devAddr)), slog.Int("addr", int(regAddr)), slog.Int("quantity", len(regs)))
	return nil
}

// readTimeouter is implemented by serial ports, i.e. go.bug.st/serial.Port.
type readTimeouter interface {
	SetReadTimeout(t time.Duration) error
}

// receive waits for one response frame. The client timeout is applied to
// ports that support read timeouts.
func (c *Client) receive() ([]byte, error) {
	if rt, ok := c.port.(readTimeouter); ok && c.timeout > 0 {
		if err := rt.SetReadTimeout(c.timeout); err != nil {
			return nil, err
		}
	}
	return c.rx.next(responseLen)
}
