package solarapi

import (
	"bytes"
	"strconv"

	"github.com/soypat/meterbridge/sunspec"
)

// maxLines bounds the work done scanning one payload.
const maxLines = 400

// fieldTable maps solar API keys to meter fields. The first matching key of
// a line wins, so keys that are substrings of others must come later.
var fieldTable = []struct {
	key   string
	field sunspec.Field
}{
	{"Current_AC_Sum", sunspec.A},
	{"Current_AC_Phase_1", sunspec.AphA},
	{"Current_AC_Phase_2", sunspec.AphB},
	{"Current_AC_Phase_3", sunspec.AphC},
	{"EnergyReal_WAC_Sum_Consumed", sunspec.TotWhImp},
	{"EnergyReal_WAC_Sum_Produced", sunspec.TotWhExp},
	{"Frequency_Phase_Average", sunspec.Hz},
	{"PowerReal_P_Sum", sunspec.W},
	{"PowerReal_P_Phase_1", sunspec.WphA},
	{"PowerReal_P_Phase_2", sunspec.WphB},
	{"PowerReal_P_Phase_3", sunspec.WphC},
	{"PowerFactor_Sum", sunspec.PF},
	{"PowerFactor_Phase_1", sunspec.PFphA},
	{"PowerFactor_Phase_2", sunspec.PFphB},
	{"PowerFactor_Phase_3", sunspec.PFphC},
	{"Voltage_AC_Phase_Average", sunspec.PhV},
	{"Voltage_AC_Phase_1", sunspec.PhVphA},
	{"Voltage_AC_Phase_2", sunspec.PhVphB},
	{"Voltage_AC_Phase_3", sunspec.PhVphC},
	{"Voltage_AC_PhaseToPhase_12", sunspec.PPVphAB},
	{"Voltage_AC_PhaseToPhase_23", sunspec.PPVphBC},
	{"Voltage_AC_PhaseToPhase_31", sunspec.PPVphCA},
}

// Keys returns the solar API keys that are extracted, in match order.
func Keys() []string {
	keys := make([]string, len(fieldTable))
	for i := range fieldTable {
		keys[i] = fieldTable[i].key
	}
	return keys
}

// FieldOf returns the meter field fed by key.
func FieldOf(key string) (sunspec.Field, bool) {
	for _, entry := range fieldTable {
		if entry.key == key {
			return entry.field, true
		}
	}
	return 0, false
}

// scanPayload writes every known value found in content into m and returns
// the number of fields written. At most maxLines lines are examined.
func scanPayload(content []byte, m *sunspec.Meter) (written int) {
	for i := 0; len(content) > 0 && i < maxLines; i++ {
		var line []byte
		line, content, _ = bytes.Cut(content, []byte{'\n'})
		if len(line) == 0 {
			continue
		}
		for _, entry := range fieldTable {
			if bytes.Contains(line, []byte(entry.key)) {
				m.SetFloat(entry.field, extractValue(line))
				written++
				break
			}
		}
	}
	return written
}

// extractValue parses the number following the first ':' of line.
// It returns 0 if there is no colon or no number.
func extractValue(line []byte) float32 {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return 0
	}
	return parseLeadingFloat(line[colon+1:])
}

// parseLeadingFloat parses the longest decimal floating point prefix of b
// after leading white space, the way C's strtof does for decimal input.
func parseLeadingFloat(b []byte) float32 {
	i := 0
	for i < len(b) && isSpace(b[i]) {
		i++
	}
	start := i
	if i < len(b) && (b[i] == '+' || b[i] == '-') {
		i++
	}
	digits := 0
	for i < len(b) && isDigit(b[i]) {
		i++
		digits++
	}
	if i < len(b) && b[i] == '.' {
		i++
		for i < len(b) && isDigit(b[i]) {
			i++
			digits++
		}
	}
	if digits == 0 {
		return 0
	}
	// Exponent only counts when followed by at least one digit.
	if i < len(b) && (b[i] == 'e' || b[i] == 'E') {
		j := i + 1
		if j < len(b) && (b[j] == '+' || b[j] == '-') {
			j++
		}
		if j < len(b) && isDigit(b[j]) {
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			i = j
		}
	}
	v, err := strconv.ParseFloat(string(b[start:i]), 32)
	if err != nil {
		// Out of range values saturate like strtof, ParseFloat already returns ±Inf.
		if ne, ok := err.(*strconv.NumError); !ok || ne.Err != strconv.ErrRange {
			return 0
		}
	}
	return float32(v)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
