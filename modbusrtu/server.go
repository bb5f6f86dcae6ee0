package modbusrtu

import (
	"context"
	"errors"
	"io"

	"github.com/soypat/meterbridge"
	"golang.org/x/exp/slog"
)

// Server answers RTU requests addressed to its unit id from a data model.
type Server struct {
	port    io.ReadWriter
	rx      frameReader
	data    meterbridge.DataModel
	bracket Bracket
	address uint8
	log     *slog.Logger
	txbuf   [maxADU]byte
}

// ServerConfig provides configuration parameters to NewServer.
type ServerConfig struct {
	// Device address in the range 1-247 (inclusive).
	Address uint8
	// DataModel defines the data bank used for register reads.
	DataModel meterbridge.DataModel
	// Bracket, if set, is held while the data model is accessed.
	Bracket Bracket
	Logger  *slog.Logger
}

var (
	errInvalidAddress = errors.New("modbusrtu: device address must be in 1..247")
	errNilModel       = errors.New("modbusrtu: nil data model")
	errNilPort        = errors.New("modbusrtu: nil port")
)

// NewServer returns a server reading requests from port.
func NewServer(port io.ReadWriter, cfg ServerConfig) (*Server, error) {
	switch {
	case port == nil:
		return nil, errNilPort
	case cfg.Address < 1 || cfg.Address > 247:
		return nil, errInvalidAddress
	case cfg.DataModel == nil:
		return nil, errNilModel
	}
	if cfg.Bracket == nil {
		cfg.Bracket = noBracket{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sv := &Server{
		port:    port,
		data:    cfg.DataModel,
		bracket: cfg.Bracket,
		address: cfg.Address,
		log:     cfg.Logger,
	}
	sv.rx.r = port
	return sv, nil
}

// HandleNext reads the next request on the line and answers it if it is
// addressed to the server. Requests for other devices are ignored.
// This call is blocking.
func (sv *Server) HandleNext() error {
	adu, err := sv.rx.next(requestLen)
	if err != nil {
		return err
	}
	if adu[0] != sv.address {
		sv.log.Debug("modbusrtu:other-device", slog.Int("addr", int(adu[0])))
		return nil
	}
	pdu := adu[1 : len(adu)-2]
	req, err := meterbridge.DecodeRequest(pdu)
	exc, isExc := err.(meterbridge.Exception)
	if err != nil && !isExc {
		return err
	}
	sv.txbuf[0] = sv.address
	var plen int
	if isExc {
		plen, err = exc.PutResponse(sv.txbuf[1:], req.FC)
	} else {
		sv.bracket.Begin()
		plen, err = req.PutResponse(sv.data, sv.txbuf[1:])
		sv.bracket.End()
		if e, ok := err.(meterbridge.Exception); ok {
			exc, err = e, nil
		}
	}
	if err != nil {
		return err
	}
	if exc != meterbridge.ExceptionNone {
		sv.log.Warn("modbusrtu:exception", slog.String("req", req.String()), slog.String("exc", exc.Error()))
	} else {
		sv.log.Debug("modbusrtu:response", slog.Int("addr", int(req.Addr)), slog.Int("quantity", int(req.Quantity)))
	}
	n := putCRC(sv.txbuf[:], 1+plen)
	if _, err = sv.port.Write(sv.txbuf[:n]); err != nil {
		return &PortError{Err: err}
	}
	return nil
}

// Serve handles requests until ctx is done or the port fails. Frames that
// fail to decode are logged and skipped; the line resyncs on the next frame.
func (sv *Server) Serve(ctx context.Context) error {
	for ctx.Err() == nil {
		err := sv.HandleNext()
		var portErr *PortError
		switch {
		case err == nil:
		case errors.As(err, &portErr):
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sv.log.Error("modbusrtu:port", slog.String("err", err.Error()))
			return err
		default:
			sv.log.Warn("modbusrtu:bad-frame", slog.String("err", err.Error()))
		}
	}
	return ctx.Err()
}
