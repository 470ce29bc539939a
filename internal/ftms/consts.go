package ftms

// Bluetooth UUIDs used to reach the Indoor Bike Data stream
const (
	// Fitness Machine Service (FTMS)
	ServiceUUIDFTMS        = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData = "00002ad2-0000-1000-8000-00805f9b34fb"

	// Client Characteristic Configuration Descriptor, written to enable notifications
	DescriptorUUIDCCCD = "00002902-0000-1000-8000-00805f9b34fb"
)

// Indoor Bike Data flag bits (FTMS 1.0)
const (
	flagMoreData             = 1 << 0 // inverted: 0 = Instantaneous Speed present
	flagAverageSpeed         = 1 << 1
	flagInstantaneousCadence = 1 << 2
	flagAverageCadence       = 1 << 3
	flagTotalDistance        = 1 << 4
	flagResistanceLevel      = 1 << 5
	flagInstantaneousPower   = 1 << 6
	flagAveragePower         = 1 << 7
	flagExpendedEnergy       = 1 << 8
	flagHeartRate            = 1 << 9
	flagMetabolicEquivalent  = 1 << 10
	flagElapsedTime          = 1 << 11
	flagRemainingTime        = 1 << 12
)

// DecoderKind names a Decoder implementation
type DecoderKind string

const (
	DecoderBasic DecoderKind = "basic"
	DecoderFull  DecoderKind = "full"
)
