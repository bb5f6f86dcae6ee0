// Package sunspec holds the register table of an emulated SunSpec three
// phase meter: the common model (1) followed by the wye-connected meter
// model (213) and the end marker.
//
// The table is not safe for concurrent use. All readers and writers must run
// inside the same network context bracket (see package netcore).
package sunspec

import (
	"math"

	"github.com/soypat/meterbridge"
)

// BaseAddress is the Modbus address of the first word ("Su") of the table.
const BaseAddress = 40000

// Word offsets of the common model block.
const (
	offSID          = 0
	offCommonID     = 2
	offCommonLength = 3
	offManufacturer = 4
	offModel        = 20
	offOptions      = 36
	offVersion      = 44
	offSerial       = 52
	offDeviceAddr   = 68
	offMeterID      = 69
	offMeterLength  = 70
	offFloats       = 71
)

// Fixed identification values.
const (
	CommonModelID     = 1
	CommonModelLength = 65
	MeterModelID      = 213 // three phase wye connected, float
	MeterModelLength  = 124
	EndModelID        = 0xffff
)

// Field is a float32 measurement of the meter model, in layout order.
type Field uint8

const (
	A Field = iota // AC current sum
	AphA
	AphB
	AphC
	PhV // line to neutral voltage average
	PhVphA
	PhVphB
	PhVphC
	PPV // line to line voltage average
	PPVphAB
	PPVphBC
	PPVphCA
	Hz
	W // real power sum
	WphA
	WphB
	WphC
	VA
	VAphA
	VAphB
	VAphC
	VAR
	VARphA
	VARphB
	VARphC
	PF
	PFphA
	PFphB
	PFphC
	TotWhExp
	TotWhExpPhA
	TotWhExpPhB
	TotWhExpPhC
	TotWhImp
	TotWhImpPhA
	TotWhImpPhB
	TotWhImpPhC
	TotVAhExp
	TotVAhExpPhA
	TotVAhExpPhB
	TotVAhExpPhC
	TotVAhImp
	TotVAhImpPhA
	TotVAhImpPhB
	TotVAhImpPhC
	TotVArhImpQ1
	TotVArhImpQ1PhA
	TotVArhImpQ1PhB
	TotVArhImpQ1PhC
	TotVArhImpQ2
	TotVArhImpQ2PhA
	TotVArhImpQ2PhB
	TotVArhImpQ2PhC
	TotVArhImpQ3
	TotVArhImpQ3PhA
	TotVArhImpQ3PhB
	TotVArhImpQ3PhC
	TotVArhImpQ4
	TotVArhImpQ4PhA
	TotVArhImpQ4PhB
	TotVArhImpQ4PhC
	numFields
)

// NumFields is the number of float measurements in the meter model.
const NumFields = int(numFields)

const (
	offEvents    = offFloats + 2*NumFields
	offEndID     = offEvents + 2
	offEndLength = offEndID + 1
	// NumRegisters is the total number of words in the table.
	NumRegisters = offEndLength + 1
)

// Offset returns the word offset of f relative to BaseAddress.
func (f Field) Offset() int { return offFloats + 2*int(f) }

// Address returns the Modbus address of the first word of f.
func (f Field) Address() uint16 { return uint16(BaseAddress + f.Offset()) }

func (f Field) String() string {
	if f >= numFields {
		return "Field(?)"
	}
	return fieldNames[f]
}

var fieldNames = [NumFields]string{
	"A", "AphA", "AphB", "AphC",
	"PhV", "PhVphA", "PhVphB", "PhVphC",
	"PPV", "PPVphAB", "PPVphBC", "PPVphCA",
	"Hz",
	"W", "WphA", "WphB", "WphC",
	"VA", "VAphA", "VAphB", "VAphC",
	"VAR", "VARphA", "VARphB", "VARphC",
	"PF", "PFphA", "PFphB", "PFphC",
	"TotWhExp", "TotWhExpPhA", "TotWhExpPhB", "TotWhExpPhC",
	"TotWhImp", "TotWhImpPhA", "TotWhImpPhB", "TotWhImpPhC",
	"TotVAhExp", "TotVAhExpPhA", "TotVAhExpPhB", "TotVAhExpPhC",
	"TotVAhImp", "TotVAhImpPhA", "TotVAhImpPhB", "TotVAhImpPhC",
	"TotVArhImpQ1", "TotVArhImpQ1PhA", "TotVArhImpQ1PhB", "TotVArhImpQ1PhC",
	"TotVArhImpQ2", "TotVArhImpQ2PhA", "TotVArhImpQ2PhB", "TotVArhImpQ2PhC",
	"TotVArhImpQ3", "TotVArhImpQ3PhA", "TotVArhImpQ3PhB", "TotVArhImpQ3PhC",
	"TotVArhImpQ4", "TotVArhImpQ4PhA", "TotVArhImpQ4PhB", "TotVArhImpQ4PhC",
}

// Identity holds the fixed identification strings of the common model.
type Identity struct {
	Manufacturer string // up to 32 bytes
	Model        string // up to 32 bytes
	Options      string // up to 16 bytes
	Version      string // up to 16 bytes
	Serial       string // up to 32 bytes
}

// DefaultIdentity is written by NewMeter when no identity is given.
var DefaultIdentity = Identity{
	Manufacturer: "Lachei",
	Model:        "100.100.100",
	Version:      "1.0",
	Serial:       "1234",
}

// Meter is the register table. The zero value is not usable, call NewMeter.
type Meter struct {
	regs [NumRegisters]uint16
}

var _ meterbridge.DataModel = (*Meter)(nil)

// NewMeter returns a table with identification block, lengths and end
// marker initialized and all measurements zero.
func NewMeter(id Identity) *Meter {
	m := &Meter{}
	m.putString(offSID, 4, "SunS")
	m.regs[offCommonID] = CommonModelID
	m.regs[offCommonLength] = CommonModelLength
	m.putString(offManufacturer, 32, id.Manufacturer)
	m.putString(offModel, 32, id.Model)
	m.putString(offOptions, 16, id.Options)
	m.putString(offVersion, 16, id.Version)
	m.putString(offSerial, 32, id.Serial)
	m.regs[offDeviceAddr] = 1
	m.regs[offMeterID] = MeterModelID
	m.regs[offMeterLength] = MeterModelLength
	m.regs[offEndID] = EndModelID
	m.regs[offEndLength] = 0
	return m
}

// ApplyDefaults writes nominal grid values so that clients reading before
// the first scrape see a plausible meter.
func (m *Meter) ApplyDefaults() {
	for _, f := range []Field{PhV, PhVphA, PhVphB, PhVphC} {
		m.SetFloat(f, 230)
	}
	for _, f := range []Field{PPV, PPVphAB, PPVphBC, PPVphCA} {
		m.SetFloat(f, 400)
	}
	m.SetFloat(Hz, 50)
	for _, f := range []Field{PF, PFphA, PFphB, PFphC} {
		m.SetFloat(f, 1)
	}
}

// SetFloat stores v in both words of f, high word first.
func (m *Meter) SetFloat(f Field, v float32) {
	if f >= numFields {
		return
	}
	bits := math.Float32bits(v)
	off := f.Offset()
	m.regs[off] = uint16(bits >> 16)
	m.regs[off+1] = uint16(bits)
}

// Float returns the value of f.
func (m *Meter) Float(f Field) float32 {
	if f >= numFields {
		return 0
	}
	off := f.Offset()
	return WordsToFloat(m.regs[off], m.regs[off+1])
}

// WordsToFloat decodes a float point read from the table by a client.
func WordsToFloat(hi, lo uint16) float32 {
	return math.Float32frombits(uint32(hi)<<16 | uint32(lo))
}

// SetDeviceAddress stores the unit id the server answers as.
func (m *Meter) SetDeviceAddress(unit uint8) { m.regs[offDeviceAddr] = uint16(unit) }

// DeviceAddress returns the stored unit id.
func (m *Meter) DeviceAddress() uint8 { return uint8(m.regs[offDeviceAddr]) }

// Register returns the word at Modbus address addr.
func (m *Meter) Register(addr int) (uint16, meterbridge.Exception) {
	i := addr - BaseAddress
	if i < 0 || i >= NumRegisters {
		return 0, meterbridge.ExceptionIllegalDataAddr
	}
	return m.regs[i], meterbridge.ExceptionNone
}

func (m *Meter) GetHoldingRegister(addr int) (uint16, meterbridge.Exception) {
	return m.Register(addr)
}

func (m *Meter) GetInputRegister(addr int) (uint16, meterbridge.Exception) {
	return m.Register(addr)
}

// putString packs s into size bytes starting at word off, two characters
// per word, first character in the high byte. Remaining bytes are zeroed.
func (m *Meter) putString(off, size int, s string) {
	if len(s) > size {
		s = s[:size]
	}
	for i := 0; i < size/2; i++ {
		var hi, lo byte
		if 2*i < len(s) {
			hi = s[2*i]
		}
		if 2*i+1 < len(s) {
			lo = s[2*i+1]
		}
		m.regs[off+i] = uint16(hi)<<8 | uint16(lo)
	}
}

// getString returns the identification string stored at word off, NUL trimmed.
func (m *Meter) getString(off, size int) string {
	buf := make([]byte, 0, size)
	for i := 0; i < size/2; i++ {
		w := m.regs[off+i]
		buf = append(buf, byte(w>>8), byte(w))
	}
	for len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf)
}

// Identity returns the identification strings stored in the table.
func (m *Meter) Identity() Identity {
	return Identity{
		Manufacturer: m.getString(offManufacturer, 32),
		Model:        m.getString(offModel, 32),
		Options:      m.getString(offOptions, 16),
		Version:      m.getString(offVersion, 16),
		Serial:       m.getString(offSerial, 32),
	}
}
