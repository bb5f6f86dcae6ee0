package meterbridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MBAPSize is the length in bytes of the MBAP header that precedes Modbus TCP PDUs.
const MBAPSize = 7

// ApplicationHeader is a compact representation of the MBAP header as described
// by Modbus TCP Implementation Guide. This header precedes all Modbus TCP packets.
type ApplicationHeader struct {
	Transaction uint16
	Protocol    uint16
	Length      uint16
	Unit        uint8
}

var errMBAPLength = errors.New("MBAP header has Length field set to value under 2 or over 254")

// DecodeMBAP decodes the MBAP header at the start of buf.
func DecodeMBAP(buf []byte) (mbap ApplicationHeader, err error) {
	if len(buf) < MBAPSize {
		return mbap, io.ErrShortBuffer
	}
	mbap.Protocol = binary.BigEndian.Uint16(buf[2:4])
	if mbap.Protocol != 0 {
		return ApplicationHeader{}, fmt.Errorf("MBAP header got %d protocol, expected 0", mbap.Protocol)
	}
	mbap.Transaction = binary.BigEndian.Uint16(buf[:2])
	mbap.Length = binary.BigEndian.Uint16(buf[4:6])
	mbap.Unit = buf[6]
	if mbap.Length < 2 || mbap.Length > maxPDUSize+1 {
		return ApplicationHeader{}, errMBAPLength
	}
	return mbap, nil
}

// Put puts the MBAP Header's 7 bytes in buf.
func (ap *ApplicationHeader) Put(buf []byte) error {
	if len(buf) < MBAPSize {
		return io.ErrShortBuffer
	}
	binary.BigEndian.PutUint16(buf[:2], ap.Transaction)
	binary.BigEndian.PutUint16(buf[2:4], ap.Protocol)
	binary.BigEndian.PutUint16(buf[4:6], ap.Length)
	buf[6] = ap.Unit
	return nil
}

// DecodeResult is the outcome of feeding a byte to a Decoder.
type DecodeResult uint8

const (
	// DecodeInProgress means the decoder needs more bytes.
	DecodeInProgress DecodeResult = iota
	// DecodeOK means a complete request frame is ready.
	DecodeOK
	// DecodeError means the stream is desynchronized and should be dropped.
	DecodeError
)

func (r DecodeResult) String() string {
	switch r {
	case DecodeInProgress:
		return "in progress"
	case DecodeOK:
		return "ok"
	case DecodeError:
		return "error"
	}
	return "unknown decode result"
}

// Decoder reassembles Modbus TCP request frames from a byte stream one byte at a time.
// After DecodeOK the frame stays available through Header and Request until Reset.
// A Decoder holds the decode state of exactly one connection.
type Decoder struct {
	buf   [MBAPSize + maxPDUSize]byte
	n     int
	total int
	mbap  ApplicationHeader
	req   Request
	exc   Exception
	err   error
}

// Feed adds b to the frame under construction.
func (d *Decoder) Feed(b byte) DecodeResult {
	switch {
	case d.err != nil:
		return DecodeError
	case d.total != 0 && d.n == d.total:
		d.err = errors.New("frame pipelined before response was sent")
		return DecodeError
	}
	d.buf[d.n] = b
	d.n++
	if d.n == MBAPSize {
		mbap, err := DecodeMBAP(d.buf[:MBAPSize])
		if err != nil {
			d.err = err
			return DecodeError
		}
		d.mbap = mbap
		d.total = MBAPSize + int(mbap.Length) - 1
	}
	if d.total == 0 || d.n < d.total {
		return DecodeInProgress
	}
	req, err := DecodeRequest(d.buf[MBAPSize:d.n])
	if exc, ok := err.(Exception); ok {
		d.exc = exc
		err = nil
	}
	if err != nil {
		d.err = err
		return DecodeError
	}
	d.req = req
	return DecodeOK
}

// Reset prepares the decoder to receive the next frame.
func (d *Decoder) Reset() {
	*d = Decoder{}
}

// Err returns the reason for the last DecodeError.
func (d *Decoder) Err() error { return d.err }

// Header returns the MBAP header of the decoded frame.
func (d *Decoder) Header() ApplicationHeader { return d.mbap }

// Request returns the decoded request.
func (d *Decoder) Request() Request { return d.req }

// PutResponse writes the complete response ADU (MBAP header and PDU) for the
// decoded frame into dst. A request the model rejects produces an exception
// frame, in which case the Exception is also returned.
func (d *Decoder) PutResponse(model DataModel, dst []byte) (n int, exc Exception, err error) {
	if len(dst) < MBAPSize+2 {
		return 0, ExceptionNone, io.ErrShortBuffer
	}
	var plen int
	if d.exc != ExceptionNone {
		exc = d.exc
		plen, err = exc.PutResponse(dst[MBAPSize:], d.req.FC)
	} else {
		plen, err = d.req.PutResponse(model, dst[MBAPSize:])
		if e, ok := err.(Exception); ok {
			exc, err = e, nil
		}
	}
	if err != nil {
		return 0, exc, err
	}
	mbap := d.mbap
	mbap.Length = uint16(plen + 1)
	mbap.Put(dst[:MBAPSize])
	return MBAPSize + plen, exc, nil
}
