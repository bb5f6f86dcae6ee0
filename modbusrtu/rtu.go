// Package modbusrtu serves and reads a register table over Modbus RTU on a
// serial line or any other io.ReadWriter.
package modbusrtu

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/soypat/meterbridge"
)

// maxADU is address + largest PDU + CRC.
const maxADU = 1 + 253 + 2

var (
	errShortFrame = errors.New("modbusrtu: frame too short")
)

// CRCError is returned when the CRC of a packet is wrong.
type CRCError struct {
	Packet []byte
}

func (e CRCError) Error() string {
	return "bad CRC:\n" + hex.Dump(e.Packet)
}

// PortError wraps a read or write failure of the underlying port. Every other
// error from the package concerns a single frame.
type PortError struct {
	Err error
}

func (e *PortError) Error() string { return "modbusrtu: port: " + e.Err.Error() }

func (e *PortError) Unwrap() error { return e.Err }

// Bracket serializes access to the data model. *netcore.Stack implements it.
type Bracket interface {
	Begin()
	End()
}

type noBracket struct{}

func (noBracket) Begin() {}
func (noBracket) End()   {}

// frameReader accumulates RTU frames from a byte stream.
type frameReader struct {
	r   io.Reader
	buf [maxADU]byte
	n   int
}

// next blocks until a complete frame is read and returns it including
// address and CRC. inferLen returns the PDU length given the bytes following
// the address, or ErrMissingPacketData if more are needed.
func (fr *frameReader) next(inferLen func(pdu []byte) (int, error)) ([]byte, error) {
	fr.n = 0
	want := 2 // address and function code.
	for {
		for fr.n < want {
			n, err := fr.r.Read(fr.buf[fr.n:want])
			fr.n += n
			if err != nil {
				return nil, &PortError{Err: err}
			}
			if n == 0 {
				// Ports with a read timeout return no data and no error when it expires.
				return nil, errTimeout
			}
		}
		pdulen, err := inferLen(fr.buf[1:fr.n])
		if errors.Is(err, meterbridge.ErrMissingPacketData) {
			want = fr.n + 1
			continue
		}
		if err != nil {
			return fr.buf[:fr.n], err
		}
		total := 1 + pdulen + 2
		if total > len(fr.buf) {
			return fr.buf[:fr.n], fmt.Errorf("modbusrtu: frame of %d bytes too long", total)
		}
		if fr.n >= total {
			adu := fr.buf[:total]
			if crc := generateCRC(adu[:total-2]); crc != binary.LittleEndian.Uint16(adu[total-2:]) {
				return adu, CRCError{Packet: append([]byte(nil), adu...)}
			}
			return adu, nil
		}
		want = total
	}
}

func requestLen(pdu []byte) (int, error) {
	_, n, err := meterbridge.InferRequestPacketLength(pdu)
	var exc meterbridge.Exception
	if errors.As(err, &exc) {
		// Unimplemented function codes carry no more to read than fc itself.
		return 1, nil
	}
	return int(n), err
}

// responseLen infers the PDU length of a read registers response or exception.
func responseLen(pdu []byte) (int, error) {
	if len(pdu) < 2 {
		return 0, meterbridge.ErrMissingPacketData
	}
	if pdu[0]&0x80 != 0 {
		return 2, nil
	}
	switch meterbridge.FunctionCode(pdu[0]) {
	case meterbridge.FCReadHoldingRegisters, meterbridge.FCReadInputRegisters:
		return 2 + int(pdu[1]), nil
	}
	return 0, meterbridge.ErrBadFunctionCode
}

// putCRC appends the CRC of adu[:n] and returns the new length.
func putCRC(adu []byte, n int) int {
	binary.LittleEndian.PutUint16(adu[n:], generateCRC(adu[:n]))
	return n + 2
}

func generateCRC(b []byte) (crc uint16) {
	const (
		startCRC = 0xFFFF
		xorCRC   = 0xA001
	)
	crc = startCRC
	for i := 0; i < len(b); i++ {
		crc ^= uint16(b[i])
		for n := 0; n < 8; n++ {
			lsb := crc & 1
			crc >>= 1
			if lsb != 0 {
				crc ^= xorCRC
			}
		}
	}
	return crc
}
