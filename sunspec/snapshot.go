package sunspec

import (
	"encoding/json"
	"math"
	"time"
)

// Snapshot is a copy of the meter measurements taken at one instant.
// It is safe to hand to other goroutines.
type Snapshot struct {
	At            time.Time
	Identity      Identity
	DeviceAddress uint8
	Values        [NumFields]float32
}

// Snapshot copies the current measurements out of the table.
func (m *Meter) Snapshot() Snapshot {
	s := Snapshot{
		At:            time.Now(),
		Identity:      m.Identity(),
		DeviceAddress: m.DeviceAddress(),
	}
	for f := Field(0); f < numFields; f++ {
		s.Values[f] = m.Float(f)
	}
	return s
}

// Value returns the value of f in the snapshot.
func (s *Snapshot) Value(f Field) float32 {
	if f >= numFields {
		return 0
	}
	return s.Values[f]
}

// MarshalJSON encodes measurements keyed by SunSpec point name.
// NaN and ±Inf have no JSON form and encode as null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	values := make(map[string]*float32, NumFields)
	for f := Field(0); f < numFields; f++ {
		v := s.Values[f]
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			values[f.String()] = nil
			continue
		}
		values[f.String()] = &v
	}
	return json.Marshal(struct {
		At           time.Time           `json:"at"`
		Manufacturer string              `json:"manufacturer"`
		Model        string              `json:"model"`
		Serial       string              `json:"serial"`
		Address      uint8               `json:"address"`
		Values       map[string]*float32 `json:"values"`
	}{
		At:           s.At,
		Manufacturer: s.Identity.Manufacturer,
		Model:        s.Identity.Model,
		Serial:       s.Identity.Serial,
		Address:      s.DeviceAddress,
		Values:       values,
	})
}
