// Package ftms decodes Fitness Machine Service Indoor Bike Data notifications.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
package ftms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTruncatedFrame is returned when a flag bit announces a field the
	// payload is too short to hold, or the payload lacks the flags word.
	ErrTruncatedFrame = errors.New("truncated indoor bike data frame")

	// ErrNotApplicable is returned for payloads from any characteristic other
	// than Indoor Bike Data.
	ErrNotApplicable = errors.New("characteristic is not indoor bike data")
)

// Reading is one decoded Indoor Bike Data frame.
// A Has* flag of false means the peer did not report the value, which is
// different from reporting zero.
type Reading struct {
	HasCadence bool
	HasPower   bool

	Cadence float64
	Power   float64
}

// Decoder turns a notification payload into a Reading
type Decoder interface {
	Decode(characteristicUUID string, payload []byte) (Reading, error)
}

// NewDecoder returns the Decoder registered under kind
func NewDecoder(kind DecoderKind) (Decoder, error) {
	switch kind {
	case DecoderBasic, "":
		return BasicDecoder{}, nil
	case DecoderFull:
		return FullDecoder{}, nil
	default:
		return nil, fmt.Errorf("unknown decoder %q", kind)
	}
}

// BasicDecoder reads only flag bits 2 and 6.
//
// Bit 2 yields Cadence as int16/100 and bit 6 yields Power as int16/2, in
// that order. No other flag bit advances the offset: a peer that really sends
// speed (bit 0 clear) or any field for bits 1, 3, 4 or 5 is read at the wrong
// offsets. Use FullDecoder for such peers.
type BasicDecoder struct{}

func (BasicDecoder) Decode(characteristicUUID string, payload []byte) (Reading, error) {
	return Decode(characteristicUUID, payload)
}

// Decode is the BasicDecoder algorithm
func Decode(characteristicUUID string, payload []byte) (Reading, error) {
	if !IsIndoorBikeData(characteristicUUID) {
		return Reading{}, ErrNotApplicable
	}
	if len(payload) < 2 {
		return Reading{}, fmt.Errorf("%w: %d bytes, need 2 for flags", ErrTruncatedFrame, len(payload))
	}

	flags := binary.LittleEndian.Uint16(payload)
	offset := 2
	var r Reading

	if flags&flagInstantaneousCadence != 0 {
		v, err := readInt16(payload, offset, 2)
		if err != nil {
			return Reading{}, err
		}
		r.Cadence = float64(v) / 100.0
		r.HasCadence = true
		offset += 2
	}

	if flags&flagInstantaneousPower != 0 {
		v, err := readInt16(payload, offset, 6)
		if err != nil {
			return Reading{}, err
		}
		r.Power = float64(v) / 2.0
		r.HasPower = true
	}

	return r, nil
}

// IsIndoorBikeData reports whether uuid names the Indoor Bike Data characteristic
func IsIndoorBikeData(uuid string) bool {
	return strings.EqualFold(uuid, CharUUIDIndoorBikeData)
}

func readInt16(payload []byte, offset int, bit int) (int16, error) {
	if offset+2 > len(payload) {
		return 0, fmt.Errorf("%w: flag bit %d needs 2 bytes at offset %d, have %d",
			ErrTruncatedFrame, bit, offset, len(payload)-offset)
	}
	return int16(binary.LittleEndian.Uint16(payload[offset:])), nil
}
