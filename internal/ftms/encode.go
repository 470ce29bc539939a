package ftms

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Range a basic Indoor Bike Data frame can carry for each field
const (
	MinCadence = math.MinInt16 / cadenceScale
	MaxCadence = math.MaxInt16 / cadenceScale
	MinPower   = math.MinInt16 / powerScale
	MaxPower   = math.MaxInt16 / powerScale
)

const (
	cadenceScale = 100.0
	powerScale   = 2.0
)

// CheckCadence reports whether v can be encoded as a cadence-like value
func CheckCadence(v float64) error {
	return checkRange("cadence", v, MinCadence, MaxCadence)
}

// CheckPower reports whether v can be encoded as a power-like value
func CheckPower(v float64) error {
	return checkRange("power", v, MinPower, MaxPower)
}

func checkRange(name string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return fmt.Errorf("%s %v outside [%v, %v]", name, v, lo, hi)
	}
	return nil
}

// EncodeReading builds the frame that BasicDecoder decodes back into r,
// rounded to the wire resolution (0.01 for cadence, 0.5 for power).
// Values outside the wire range are clamped; NaN encodes as zero.
// Bit 0 is set so a full decoder does not expect a speed field.
func EncodeReading(r Reading) []byte {
	flags := uint16(flagMoreData)
	buf := make([]byte, 2, 6)

	if r.HasCadence {
		flags |= flagInstantaneousCadence
		buf = binary.LittleEndian.AppendUint16(buf, uint16(toInt16(r.Cadence*cadenceScale)))
	}
	if r.HasPower {
		flags |= flagInstantaneousPower
		buf = binary.LittleEndian.AppendUint16(buf, uint16(toInt16(r.Power*powerScale)))
	}
	binary.LittleEndian.PutUint16(buf, flags)
	return buf
}

func toInt16(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(v))
}
