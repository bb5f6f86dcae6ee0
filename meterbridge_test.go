package meterbridge

import (
	"encoding/binary"
	"errors"
	"testing"
)

// sliceModel maps registers [base, base+len(regs)) for both read function codes.
type sliceModel struct {
	base int
	regs []uint16
}

func (m *sliceModel) GetHoldingRegister(addr int) (uint16, Exception) {
	i := addr - m.base
	if i < 0 || i >= len(m.regs) {
		return 0, ExceptionIllegalDataAddr
	}
	return m.regs[i], ExceptionNone
}

func (m *sliceModel) GetInputRegister(addr int) (uint16, Exception) {
	return m.GetHoldingRegister(addr)
}

func newModel() *sliceModel {
	m := &sliceModel{base: 100, regs: make([]uint16, 10)}
	for i := range m.regs {
		m.regs[i] = uint16(0x1100 + i)
	}
	return m
}

func requestFrame(t *testing.T, transaction uint16, unit uint8, fc FunctionCode, addr, quantity uint16) []byte {
	t.Helper()
	var tx Tx
	var buf [MBAPSize + 5]byte
	var n int
	var err error
	if fc == FCReadInputRegisters {
		n, err = tx.RequestReadInputRegisters(buf[MBAPSize:], addr, quantity)
	} else {
		n, err = tx.RequestReadHoldingRegisters(buf[MBAPSize:], addr, quantity)
	}
	if err != nil {
		t.Fatal(err)
	}
	buf[MBAPSize] = byte(fc)
	mbap := ApplicationHeader{Transaction: transaction, Unit: unit, Length: uint16(n + 1)}
	if err := mbap.Put(buf[:]); err != nil {
		t.Fatal(err)
	}
	return buf[:MBAPSize+n]
}

func feedAll(t *testing.T, d *Decoder, frame []byte) DecodeResult {
	t.Helper()
	for i, b := range frame {
		res := d.Feed(b)
		if i < len(frame)-1 && res != DecodeInProgress {
			t.Fatalf("byte %d: expected in progress, got %s (%v)", i, res, d.Err())
		}
		if i == len(frame)-1 {
			return res
		}
	}
	return DecodeInProgress
}

func TestDecoder_ReadHoldingRegisters_loopback(t *testing.T) {
	model := newModel()
	var d Decoder
	frame := requestFrame(t, 0xbeef, 7, FCReadHoldingRegisters, 102, 3)
	if res := feedAll(t, &d, frame); res != DecodeOK {
		t.Fatal("expected frame ready, got", res, d.Err())
	}
	req := d.Request()
	if req.Addr != 102 || req.Quantity != 3 {
		t.Fatal("unexpected request", req.String())
	}
	var txbuf [MBAPSize + 2 + 2*MaxReadQuantity]byte
	n, exc, err := d.PutResponse(model, txbuf[:])
	if err != nil || exc != ExceptionNone {
		t.Fatal(err, exc)
	}
	if n != MBAPSize+2+6 {
		t.Fatal("unexpected response length", n)
	}
	mbap, err := DecodeMBAP(txbuf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if mbap.Transaction != 0xbeef || mbap.Unit != 7 || int(mbap.Length) != n-MBAPSize+1 {
		t.Fatalf("bad response header %+v", mbap)
	}
	data, err := ReceiveDataResponse(txbuf[MBAPSize:n])
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		got := binary.BigEndian.Uint16(data[2*i:])
		if got != model.regs[2+i] {
			t.Errorf("register %d: expected %#x, got %#x", i, model.regs[2+i], got)
		}
	}
}

func TestDecoder_InputRegistersSameTable(t *testing.T) {
	model := newModel()
	var d Decoder
	if res := feedAll(t, &d, requestFrame(t, 1, 1, FCReadInputRegisters, 100, 1)); res != DecodeOK {
		t.Fatal(res)
	}
	var txbuf [64]byte
	n, exc, err := d.PutResponse(model, txbuf[:])
	if err != nil || exc != ExceptionNone {
		t.Fatal(err, exc)
	}
	if FunctionCode(txbuf[MBAPSize]) != FCReadInputRegisters {
		t.Fatal("wrong function code in response")
	}
	data, _ := ReceiveDataResponse(txbuf[MBAPSize:n])
	if binary.BigEndian.Uint16(data) != 0x1100 {
		t.Fatalf("got %x", data)
	}
}

func TestDecoder_OutOfRangeGivesExceptionFrame(t *testing.T) {
	model := newModel()
	testCases := []struct {
		name     string
		addr     uint16
		quantity uint16
	}{
		{"before table", 99, 2},
		{"past table end", 108, 3},
		{"far away", 40000, 1},
	}
	for _, tC := range testCases {
		t.Run(tC.name, func(t *testing.T) {
			var d Decoder
			if res := feedAll(t, &d, requestFrame(t, 9, 1, FCReadHoldingRegisters, tC.addr, tC.quantity)); res != DecodeOK {
				t.Fatal(res)
			}
			var txbuf [64]byte
			n, exc, err := d.PutResponse(model, txbuf[:])
			if err != nil {
				t.Fatal(err)
			}
			if exc != ExceptionIllegalDataAddr {
				t.Fatal("expected illegal data address, got", exc)
			}
			if n != MBAPSize+2 || txbuf[MBAPSize] != byte(FCReadHoldingRegisters)|0x80 || txbuf[MBAPSize+1] != byte(ExceptionIllegalDataAddr) {
				t.Fatalf("bad exception frame % x", txbuf[:n])
			}
			_, err = ReceiveDataResponse(txbuf[MBAPSize:n])
			if !errors.Is(err, ExceptionIllegalDataAddr) {
				t.Fatal("expected exception from client side decode, got", err)
			}
		})
	}
}

func TestDecoder_WriteIsIllegalFunction(t *testing.T) {
	var d Decoder
	frame := []byte{0, 1, 0, 0, 0, 6, 1, byte(FCWriteSingleRegister), 0, 100, 0, 5}
	if res := feedAll(t, &d, frame); res != DecodeOK {
		t.Fatal(res, d.Err())
	}
	var txbuf [64]byte
	_, exc, err := d.PutResponse(newModel(), txbuf[:])
	if err != nil || exc != ExceptionIllegalFunction {
		t.Fatal("expected illegal function, got", exc, err)
	}
}

func TestDecoder_Errors(t *testing.T) {
	testCases := []struct {
		name  string
		frame []byte
	}{
		{"bad protocol", []byte{0, 1, 0, 1, 0, 6, 1}},
		{"short length", []byte{0, 1, 0, 0, 0, 1, 1}},
		{"huge length", []byte{0, 1, 0, 0, 0x01, 0x00, 1}},
		{"unknown function", []byte{0, 1, 0, 0, 0, 2, 1, 0x66}},
		{"truncated read", []byte{0, 1, 0, 0, 0, 4, 1, 3, 0, 0}},
	}
	for _, tC := range testCases {
		t.Run(tC.name, func(t *testing.T) {
			var d Decoder
			var res DecodeResult
			for _, b := range tC.frame {
				res = d.Feed(b)
				if res != DecodeInProgress {
					break
				}
			}
			if res != DecodeError {
				t.Fatal("expected decode error, got", res)
			}
			if d.Err() == nil {
				t.Fatal("expected non-nil Err")
			}
			if d.Feed(0) != DecodeError {
				t.Fatal("decoder must stay in error until Reset")
			}
			d.Reset()
			if d.Err() != nil {
				t.Fatal("Reset must clear error")
			}
		})
	}
}

func TestDecoder_ResetBetweenFrames(t *testing.T) {
	var d Decoder
	frame := requestFrame(t, 1, 1, FCReadHoldingRegisters, 100, 1)
	if feedAll(t, &d, frame) != DecodeOK {
		t.Fatal("first frame")
	}
	if d.Feed(0) != DecodeError {
		t.Fatal("bytes after a ready frame without Reset should fail")
	}
	d.Reset()
	frame = requestFrame(t, 2, 1, FCReadHoldingRegisters, 101, 2)
	if feedAll(t, &d, frame) != DecodeOK {
		t.Fatal("second frame")
	}
	if d.Header().Transaction != 2 || d.Request().Addr != 101 {
		t.Fatal("second frame decoded wrong", d.Request().String())
	}
}

func TestInferRequestPacketLength(t *testing.T) {
	var tx Tx
	var buf [16]byte
	n, err := tx.RequestReadHoldingRegisters(buf[:], 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	fc, n16, err := InferRequestPacketLength(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if fc != FCReadHoldingRegisters || n16 != 5 {
		t.Fatal("expected function code 3, length 5, got", fc, n16)
	}
	_, _, err = InferRequestPacketLength([]byte{0x66})
	if !errors.Is(err, ErrBadFunctionCode) {
		t.Fatal("expected bad function code, got", err)
	}
	if _, err := tx.RequestReadHoldingRegisters(buf[:], 0, 126); err == nil {
		t.Fatal("expected error reading over 125 registers")
	}
}

func TestRequestString(t *testing.T) {
	testCases := []struct {
		req  Request
		want string
	}{
		{Request{FC: FCReadHoldingRegisters, Addr: 40000, Quantity: 2}, "request to read holding registers @ Addr: 40000, Quantity 2"},
		{Request{FC: FCWriteSingleRegister, Addr: 1, Quantity: 7}, "request to write single register @ Addr: 1, Value 7"},
		{Request{FC: FCWriteMultipleRegisters, Addr: 1, Quantity: 3}, "request to write multiple registers @ Addr: 1, Quantity 3"},
		{Request{FC: 0x42}, "request to unknown function code 0x42 @ Addr: 0, Quantity 0"},
	}
	for _, tC := range testCases {
		if got := tC.req.String(); got != tC.want {
			t.Fatalf("expected %q, got %q", tC.want, got)
		}
	}
}
