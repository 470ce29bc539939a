package ftms

import (
	"encoding/binary"
	"fmt"
)

// IndoorBikeData holds every field of an Indoor Bike Data frame, scaled to
// human-readable units
type IndoorBikeData struct {
	HasInstantaneousSpeed   bool
	HasAverageSpeed         bool
	HasInstantaneousCadence bool
	HasAverageCadence       bool
	HasTotalDistance        bool
	HasResistanceLevel      bool
	HasInstantaneousPower   bool
	HasAveragePower         bool
	HasExpendedEnergy       bool
	HasHeartRate            bool
	HasMetabolicEquivalent  bool
	HasElapsedTime          bool
	HasRemainingTime        bool

	InstantaneousSpeedKmh   float64 // km/h
	AverageSpeedKmh         float64 // km/h
	InstantaneousCadenceRpm float64 // rpm
	AverageCadenceRpm       float64 // rpm
	TotalDistanceMeters     uint32
	ResistanceLevel         int16
	InstantaneousPowerWatts int16
	AveragePowerWatts       int16
	TotalEnergyKJ           uint16
	EnergyPerHourKJ         uint16
	EnergyPerMinuteKJ       uint8
	HeartRateBpm            uint8
	MetabolicEquivalent     float64
	ElapsedTimeSeconds      uint16
	RemainingTimeSeconds    uint16
}

// ibdField is one optional field of the frame, in wire order
type ibdField struct {
	name    string
	present func(flags uint16) bool
	size    int
	apply   func(d *IndoorBikeData, b []byte)
}

func flagSet(bit uint16) func(uint16) bool {
	return func(flags uint16) bool { return flags&bit != 0 }
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

var ibdFields = []ibdField{
	{"instantaneous speed", func(flags uint16) bool { return flags&flagMoreData == 0 }, 2, func(d *IndoorBikeData, b []byte) {
		d.HasInstantaneousSpeed = true
		d.InstantaneousSpeedKmh = float64(le16(b)) * 0.01
	}},
	{"average speed", flagSet(flagAverageSpeed), 2, func(d *IndoorBikeData, b []byte) {
		d.HasAverageSpeed = true
		d.AverageSpeedKmh = float64(le16(b)) * 0.01
	}},
	{"instantaneous cadence", flagSet(flagInstantaneousCadence), 2, func(d *IndoorBikeData, b []byte) {
		d.HasInstantaneousCadence = true
		d.InstantaneousCadenceRpm = float64(le16(b)) * 0.5
	}},
	{"average cadence", flagSet(flagAverageCadence), 2, func(d *IndoorBikeData, b []byte) {
		d.HasAverageCadence = true
		d.AverageCadenceRpm = float64(le16(b)) * 0.5
	}},
	{"total distance", flagSet(flagTotalDistance), 3, func(d *IndoorBikeData, b []byte) {
		d.HasTotalDistance = true
		d.TotalDistanceMeters = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	}},
	{"resistance level", flagSet(flagResistanceLevel), 2, func(d *IndoorBikeData, b []byte) {
		d.HasResistanceLevel = true
		d.ResistanceLevel = int16(le16(b))
	}},
	{"instantaneous power", flagSet(flagInstantaneousPower), 2, func(d *IndoorBikeData, b []byte) {
		d.HasInstantaneousPower = true
		d.InstantaneousPowerWatts = int16(le16(b))
	}},
	{"average power", flagSet(flagAveragePower), 2, func(d *IndoorBikeData, b []byte) {
		d.HasAveragePower = true
		d.AveragePowerWatts = int16(le16(b))
	}},
	{"expended energy", flagSet(flagExpendedEnergy), 5, func(d *IndoorBikeData, b []byte) {
		d.HasExpendedEnergy = true
		d.TotalEnergyKJ = le16(b)
		d.EnergyPerHourKJ = le16(b[2:])
		d.EnergyPerMinuteKJ = b[4]
	}},
	{"heart rate", flagSet(flagHeartRate), 1, func(d *IndoorBikeData, b []byte) {
		d.HasHeartRate = true
		d.HeartRateBpm = b[0]
	}},
	{"metabolic equivalent", flagSet(flagMetabolicEquivalent), 1, func(d *IndoorBikeData, b []byte) {
		d.HasMetabolicEquivalent = true
		d.MetabolicEquivalent = float64(b[0]) * 0.1
	}},
	{"elapsed time", flagSet(flagElapsedTime), 2, func(d *IndoorBikeData, b []byte) {
		d.HasElapsedTime = true
		d.ElapsedTimeSeconds = le16(b)
	}},
	{"remaining time", flagSet(flagRemainingTime), 2, func(d *IndoorBikeData, b []byte) {
		d.HasRemainingTime = true
		d.RemainingTimeSeconds = le16(b)
	}},
}

// ParseIndoorBikeData parses every field of an Indoor Bike Data frame
func ParseIndoorBikeData(payload []byte) (*IndoorBikeData, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: %d bytes, need 2 for flags", ErrTruncatedFrame, len(payload))
	}

	flags := le16(payload)
	offset := 2
	data := &IndoorBikeData{}

	for _, f := range ibdFields {
		if !f.present(flags) {
			continue
		}
		if offset+f.size > len(payload) {
			return nil, fmt.Errorf("%w: %s needs %d bytes at offset %d, have %d",
				ErrTruncatedFrame, f.name, f.size, offset, len(payload)-offset)
		}
		f.apply(data, payload[offset:offset+f.size])
		offset += f.size
	}

	return data, nil
}

// FullDecoder walks the complete FTMS field layout and reports instantaneous
// cadence in rpm and instantaneous power in watts
type FullDecoder struct{}

func (FullDecoder) Decode(characteristicUUID string, payload []byte) (Reading, error) {
	if !IsIndoorBikeData(characteristicUUID) {
		return Reading{}, ErrNotApplicable
	}
	data, err := ParseIndoorBikeData(payload)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		HasCadence: data.HasInstantaneousCadence,
		Cadence:    data.InstantaneousCadenceRpm,
		HasPower:   data.HasInstantaneousPower,
		Power:      float64(data.InstantaneousPowerWatts),
	}, nil
}
