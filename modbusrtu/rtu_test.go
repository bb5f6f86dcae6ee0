package modbusrtu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/soypat/meterbridge"
	"github.com/soypat/meterbridge/sunspec"
)

func TestCRC(t *testing.T) {
	testCases := []struct {
		msgWithAddr []byte
		expected    uint16
	}{
		{
			msgWithAddr: []byte{0x56},
			expected:    0x7e3f,
		},
		{
			msgWithAddr: []byte{0x56, 0x03, 0x00, 0x00, 0x00, 0x02}, // Read 2 registers starting at 0x0000 from device 0x56.
			expected:    0xecc9,
		},
		{
			msgWithAddr: []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, // Sent on the wire as 84 0a.
			expected:    0x0a84,
		},
	}
	for _, tC := range testCases {
		t.Run(fmt.Sprintf("len=%d", len(tC.msgWithAddr)), func(t *testing.T) {
			got := generateCRC(tC.msgWithAddr[:])
			if got != tC.expected {
				t.Fatalf("expected %x, got %x", tC.expected, got)
			}
		})
	}
}

type pipePort struct {
	io.Reader
	io.Writer
}

// lineMutex stands in for the network context bracket.
type lineMutex struct{ sync.Mutex }

func (m *lineMutex) Begin() { m.Lock() }
func (m *lineMutex) End()   { m.Unlock() }

func newLine(t *testing.T, devAddr uint8, model meterbridge.DataModel) (*Client, *Server, io.Writer) {
	t.Helper()
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	srv, err := NewServer(pipePort{Reader: r2, Writer: w1}, ServerConfig{Address: devAddr, DataModel: model, Bracket: &lineMutex{}})
	if err != nil {
		t.Fatal(err)
	}
	cli := NewClient(ClientConfig{})
	cli.SetTransport(pipePort{Reader: r1, Writer: w2})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		r1.Close()
		w1.Close()
		r2.Close()
		w2.Close()
		<-done
	})
	return cli, srv, w2
}

func TestIntegration(t *testing.T) {
	const (
		numTests = 100
		devAddr  = 1
	)
	meter := sunspec.NewMeter(sunspec.DefaultIdentity)
	meter.SetFloat(sunspec.W, 1234.5)
	cli, _, _ := newLine(t, devAddr, meter)

	var buf [2]uint16
	for test := 0; test < numTests; test++ {
		err := cli.ReadHoldingRegisters(devAddr, sunspec.W.Address(), buf[:])
		if err != nil {
			t.Fatal(err)
		}
		for i := range buf {
			want, _ := meter.GetHoldingRegister(int(sunspec.W.Address()) + i)
			if buf[i] != want {
				t.Fatalf("test %d: expected %#x, got %#x at word %d", test, want, buf[i], i)
			}
		}
	}
	var marker [2]uint16
	if err := cli.ReadInputRegisters(devAddr, sunspec.BaseAddress, marker[:]); err != nil {
		t.Fatal(err)
	}
	if marker[0] != 0x5375 || marker[1] != 0x6e53 {
		t.Fatalf("bad SunSpec marker %#x", marker)
	}
}

func TestException(t *testing.T) {
	cli, _, _ := newLine(t, 7, sunspec.NewMeter(sunspec.DefaultIdentity))
	var buf [1]uint16
	err := cli.ReadHoldingRegisters(7, 0, buf[:])
	if !errors.Is(err, meterbridge.ExceptionIllegalDataAddr) {
		t.Fatal("expected illegal data address, got", err)
	}
}

func TestBadCRCSkipped(t *testing.T) {
	cli, _, w := newLine(t, 1, sunspec.NewMeter(sunspec.DefaultIdentity))
	// Corrupted request, the server must drop it and keep serving.
	frame := []byte{1, 3, 0x9c, 0x40, 0, 1, 0, 0}
	if _, err := w.Write(frame); err != nil {
		t.Fatal(err)
	}
	var buf [1]uint16
	if err := cli.ReadHoldingRegisters(1, sunspec.BaseAddress, buf[:]); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0x5375 {
		t.Fatalf("got %#x", buf[0])
	}
}

func TestMalformedFramesSkipped(t *testing.T) {
	var req [8]byte
	copy(req[:], []byte{1, 3, 0x9c, 0x40, 0, 1})
	n := putCRC(req[:], 6)
	testCases := []struct {
		name string
		bad  []byte
	}{
		// Write multiple registers with byte count 255: longer than any ADU.
		{name: "too long", bad: []byte{1, 0x10, 0, 0, 0, 1, 0xff}},
		{name: "unknown function", bad: []byte{1, 0x99}},
	}
	for _, tC := range testCases {
		t.Run(tC.name, func(t *testing.T) {
			var out bytes.Buffer
			stream := append(append([]byte(nil), tC.bad...), req[:n]...)
			port := pipePort{Reader: bytes.NewReader(stream), Writer: &out}
			srv, err := NewServer(port, ServerConfig{Address: 1, DataModel: sunspec.NewMeter(sunspec.DefaultIdentity)})
			if err != nil {
				t.Fatal(err)
			}
			err = srv.Serve(context.Background())
			var portErr *PortError
			if !errors.As(err, &portErr) || !errors.Is(err, io.EOF) {
				t.Fatal("expected serve to stop only at end of input, got", err)
			}
			resp := out.Bytes()
			if len(resp) != 7 || resp[0] != 1 || resp[1] != 3 || resp[2] != 2 || resp[3] != 0x53 || resp[4] != 0x75 {
				t.Fatalf("valid request after bad frame not answered: % x", resp)
			}
		})
	}
}

func TestNewServerValidates(t *testing.T) {
	model := sunspec.NewMeter(sunspec.DefaultIdentity)
	port := pipePort{}
	if _, err := NewServer(port, ServerConfig{Address: 0, DataModel: model}); err == nil {
		t.Fatal("address 0 must be rejected")
	}
	if _, err := NewServer(port, ServerConfig{Address: 248, DataModel: model}); err == nil {
		t.Fatal("address 248 must be rejected")
	}
	if _, err := NewServer(port, ServerConfig{Address: 1}); err == nil {
		t.Fatal("nil model must be rejected")
	}
}
