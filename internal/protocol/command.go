package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Command codes written to the Command attribute.
const (
	CommandStop     uint32 = 0
	CommandTransfer uint32 = 512

	burstMaskBase uint32 = 10000
	burstArmBase  uint32 = 10512
)

// StartCommand starts continuous recording of the channels in mask.
func StartCommand(mask ChannelMask) (uint32, error) {
	if !mask.Valid() {
		return 0, fmt.Errorf("invalid channel mask %#x", uint16(mask))
	}
	return uint32(mask), nil
}

// BurstMaskCommand selects the channels for the next burst recording.
func BurstMaskCommand(mask ChannelMask) (uint32, error) {
	if !mask.Valid() {
		return 0, fmt.Errorf("invalid channel mask %#x", uint16(mask))
	}
	return burstMaskBase + uint32(mask), nil
}

// BurstArmCommand arms a burst recording lasting d, rounded down to whole seconds.
func BurstArmCommand(d time.Duration) (uint32, error) {
	seconds := int64(d / time.Second)
	if seconds < 1 {
		return 0, fmt.Errorf("burst duration must be at least 1s, got %v", d)
	}
	return burstArmBase + uint32(seconds), nil
}

// Mode selects the recording strategy.
type Mode int

const (
	// RecordUntilStop keeps the link open while recording; lower sampling rate.
	RecordUntilStop Mode = iota
	// RecordDuringSeconds drops the link while recording; highest sampling rate.
	RecordDuringSeconds
)

func (m Mode) String() string {
	switch m {
	case RecordUntilStop:
		return "continuous"
	case RecordDuringSeconds:
		return "burst"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts a CLI/config value into a Mode. The legacy numeric mode
// codes (0 and 10513) are accepted as aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "continuous", "until-stop", "record_until_stop", "0":
		return RecordUntilStop, nil
	case "burst", "during-seconds", "record_during_seconds", "10513":
		return RecordDuringSeconds, nil
	default:
		return 0, fmt.Errorf("invalid mode %q: use burst or continuous", s)
	}
}
