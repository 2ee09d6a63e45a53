package protocol

import (
	"fmt"
	"math/bits"
	"strings"
)

// ChannelMask selects sensor axes; bit j enables ChannelNames[j].
type ChannelMask uint16

// ChannelNames lists the node's channels in bit order.
var ChannelNames = [...]string{"ax", "ay", "az", "gx", "gy", "gz", "mx", "my", "mz"}

const (
	AccelMask ChannelMask = 0b000_000_111
	GyroMask  ChannelMask = 0b000_111_000
	MagMask   ChannelMask = 0b111_000_000
	AllMask               = AccelMask | GyroMask | MagMask
)

// ParseChannelMask accepts a comma-separated list of channel names ("ax,gy"),
// group names ("accel", "gyro", "mag", "all") or a mix of both.
func ParseChannelMask(csv string) (ChannelMask, error) {
	var mask ChannelMask
	for _, raw := range strings.Split(csv, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		switch name {
		case "all":
			mask |= AllMask
			continue
		case "accel", "acc", "a":
			mask |= AccelMask
			continue
		case "gyro", "g":
			mask |= GyroMask
			continue
		case "mag", "m":
			mask |= MagMask
			continue
		}

		found := false
		for j, channel := range ChannelNames {
			if channel == name {
				mask |= 1 << j
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown channel %q (valid: %s, accel, gyro, mag, all)", raw, strings.Join(ChannelNames[:], ", "))
		}
	}

	if mask == 0 {
		return 0, fmt.Errorf("at least one channel is required")
	}
	return mask, nil
}

// Valid reports whether m selects at least one channel and nothing outside the nine axes.
func (m ChannelMask) Valid() bool {
	return m != 0 && m&^AllMask == 0
}

// Width is the number of enabled channels, i.e. the row width of the sample matrix.
func (m ChannelMask) Width() int {
	return bits.OnesCount16(uint16(m & AllMask))
}

// Labels returns the enabled channel names in the order the node reports them.
func (m ChannelMask) Labels() []string {
	labels := make([]string, 0, m.Width())
	for j, name := range ChannelNames {
		if m&(1<<j) != 0 {
			labels = append(labels, name)
		}
	}
	return labels
}

func (m ChannelMask) String() string {
	return strings.Join(m.Labels(), ",")
}
