package meterbridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var (
	ErrMissingPacketData = errors.New("missing packet data")
	ErrBadFunctionCode   = errors.New("bad function code")
)

// InferRequestPacketLength returns the expected length of a client (master) request PDU in bytes
// by looking at the function code as the first byte of the packet and the
// contained data in the packet.
//
// If there is not enough data in the packet to infer the length of the packet then
// InferRequestPacketLength returns ErrMissingPacketData and the number of bytes
// needed to be able to infer the packet length while guaranteeing no over-reads.
//
// May return a meterbridge exception code if the function code is not implemented.
func InferRequestPacketLength(b []byte) (fc FunctionCode, n uint16, err error) {
	if len(b) < 1 {
		return 0, 1, ErrMissingPacketData
	}
	fc = FunctionCode(b[0])
	switch fc {
	case FCReadCoils, FCReadDiscreteInputs, FCReadHoldingRegisters, FCReadInputRegisters,
		FCWriteSingleCoil, FCWriteSingleRegister:
		n = 5
	case FCReadExceptionStatus, FCGetComEventCounter, FCGetComEventLog, FCReportServerID:
		n = 1
	case FCWriteMultipleCoils, FCWriteMultipleRegisters:
		if len(b) < 6 {
			return fc, uint16(6 - len(b)), ErrMissingPacketData
		}
		n = uint16(b[5])
		n += 6

	case FCDiagnostic, FCMaskWriteRegister, FCReadDeviceIdentification,
		FCReadFIFOQueue, FCReadFileRecord, FCReadWriteMultipleRegisters,
		FCWriteFileRecord:
		err = ExceptionIllegalFunction

	default:
		err = ErrBadFunctionCode
	}
	return fc, n, err
}

// Request is a client (master) request meant for a server (instrument).
type Request struct {
	FC FunctionCode
	// Addr is the starting register address, or the written address for write requests.
	Addr uint16
	// Quantity is the number of registers to read, or the written value for single writes.
	Quantity uint16
}

func (req Request) String() string {
	quantityOrValue := ", Quantity "
	if req.FC.carriesValue() {
		quantityOrValue = ", Value "
	}
	return "request to " + req.FC.String() + " @ Addr: " + strconv.Itoa(int(req.Addr)) + quantityOrValue + strconv.Itoa(int(req.Quantity))
}

// PutResponse writes the response PDU to the receiver Request into dst.
//
// When the model rejects the request the exception PDU is written to dst
// instead and the Exception is returned as the error alongside its length.
func (req Request) PutResponse(model DataModel, dst []byte) (packetLenWritten int, err error) {
	fc := req.FC
	var exc Exception
	var scratch [2 * MaxReadQuantity]byte
	quantityBytes := 2 * int(req.Quantity)
	switch fc {
	case FCReadHoldingRegisters, FCReadInputRegisters:
		exc = readFromModel(scratch[:], model, fc, req.Addr, req.Quantity)
	default:
		// The meter table is read-only for fieldbus clients.
		exc = ExceptionIllegalFunction
	}
	if exc != ExceptionNone {
		if exc > ExceptionMemoryParityError {
			return 0, fmt.Errorf("unknown exception code returned by DataModel (%d)", exc)
		}
		n, err := exc.PutResponse(dst, fc)
		if err != nil {
			return 0, err
		}
		return n, exc
	}
	var tx Tx
	if fc == FCReadHoldingRegisters {
		return tx.ResponseReadHoldingRegisters(dst, scratch[:quantityBytes])
	}
	return tx.ResponseReadInputRegisters(dst, scratch[:quantityBytes])
}

// DecodeRequest parses a request PDU. Function codes the server knows about
// but does not implement decode with an ExceptionIllegalFunction error and
// the FC field set, so a caller may still answer with an exception frame.
func DecodeRequest(pdu []byte) (req Request, err error) {
	if len(pdu) < 1 {
		return req, io.ErrShortBuffer
	}
	fc := FunctionCode(pdu[0])
	req.FC = fc
	switch fc {
	case FCReadHoldingRegisters, FCReadInputRegisters, FCReadCoils, FCReadDiscreteInputs,
		FCWriteSingleCoil, FCWriteSingleRegister:
		if len(pdu) < 5 {
			return req, ErrMissingPacketData
		}
		req.Addr = binary.BigEndian.Uint16(pdu[1:])
		req.Quantity = binary.BigEndian.Uint16(pdu[3:])

	case FCWriteMultipleCoils, FCWriteMultipleRegisters:
		if len(pdu) < 7 || len(pdu) < 6+int(pdu[5]) {
			return req, ErrMissingPacketData
		}
		req.Addr = binary.BigEndian.Uint16(pdu[1:])
		req.Quantity = binary.BigEndian.Uint16(pdu[3:])

	case FCReadFileRecord, FCWriteFileRecord, FCMaskWriteRegister, FCReadWriteMultipleRegisters,
		FCReadFIFOQueue, FCReadExceptionStatus, FCDiagnostic, FCGetComEventCounter,
		FCGetComEventLog, FCReportServerID, FCReadDeviceIdentification:
		err = ExceptionIllegalFunction

	default:
		err = fmt.Errorf("%w: %s", ErrBadFunctionCode, fc.String())
	}
	return req, err
}

// Tx provides the low level functions that marshal modbus packets onto byte slices.
//
// If implementing a modbus server it is very likely one will not interact
// with Tx directly but rather use the higher level PutResponse method of Request.
type Tx struct{}

var (
	errRegisterOOB                 = errors.New("register address out of bounds (0..0xffff) or too many (1..125 for read)")
	errDataLengthMustBeMultipleOf2 = errors.New("data length must be multiple of 2")
	errResponseTooLargeTx          = errors.New("response/request data too large for tx buffer")
)

// RequestReadHoldingRegisters writes packet to dst used to read from 1 to 125 contiguous holding registers.
func (tx *Tx) RequestReadHoldingRegisters(dst []byte, startAddr, numberOfRegisters uint16) (int, error) {
	if numberOfRegisters > MaxReadQuantity || numberOfRegisters == 0 {
		return 0, errRegisterOOB
	}
	return tx.writeSimple2U16(dst, FCReadHoldingRegisters, startAddr, numberOfRegisters)
}

// RequestReadInputRegisters writes packet to dst used to read from 1 to 125 contiguous input registers in a remote device.
func (tx *Tx) RequestReadInputRegisters(dst []byte, startAddr, numberOfRegisters uint16) (int, error) {
	if numberOfRegisters > MaxReadQuantity || numberOfRegisters == 0 {
		return 0, errRegisterOOB
	}
	return tx.writeSimple2U16(dst, FCReadInputRegisters, startAddr, numberOfRegisters)
}

func (tx *Tx) ResponseReadInputRegisters(dst, registerData []byte) (int, error) {
	if len(registerData)%2 != 0 {
		return 0, errDataLengthMustBeMultipleOf2
	}
	ln := byte(len(registerData))
	return tx.writeSimpleU8(dst, FCReadInputRegisters, ln, registerData)
}

func (tx *Tx) ResponseReadHoldingRegisters(dst, registerData []byte) (int, error) {
	if len(registerData)%2 != 0 {
		return 0, errDataLengthMustBeMultipleOf2
	}
	ln := byte(len(registerData))
	return tx.writeSimpleU8(dst, FCReadHoldingRegisters, ln, registerData)
}

// ReceiveDataResponse decodes a response PDU of a register read and returns the register data.
func ReceiveDataResponse(pdu []byte) (data []byte, err error) {
	if len(pdu) < 2 {
		return nil, io.ErrShortBuffer
	}
	fc := FunctionCode(pdu[0])
	switch {
	case fc&0x80 != 0:
		err = Exception(pdu[1])
	case fc == FCReadHoldingRegisters || fc == FCReadInputRegisters:
		if len(pdu) < 2+int(pdu[1]) { // pdu[1] Always contains byte count.
			return nil, io.ErrShortBuffer
		}
		data = pdu[2 : 2+int(pdu[1])]
	default:
		err = ErrBadFunctionCode
	}
	return data, err
}

func (tx *Tx) writeSimpleU8(dst []byte, fc FunctionCode, v1 uint8, responseData []byte) (int, error) {
	if len(responseData) > len(dst)-(1+1) {
		return 0, errResponseTooLargeTx
	}
	dst[0] = byte(fc)
	dst[1] = v1
	n := copy(dst[2:], responseData)
	return 2 + n, nil
}

func (tx *Tx) writeSimple2U16(dst []byte, fc FunctionCode, v1, v2 uint16) (int, error) {
	if len(dst) < 5 {
		return 0, errResponseTooLargeTx
	}
	dst[0] = byte(fc)
	binary.BigEndian.PutUint16(dst[1:3], v1)
	binary.BigEndian.PutUint16(dst[3:5], v2)
	return 5, nil
}
