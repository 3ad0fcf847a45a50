package device

import "fmt"

// Dev is a device number: major<<8 | minor.
type Dev uint32

// NoDev is the device number of an untagged buffer.
const NoDev Dev = 0

// MakeDev composes a device number.
func MakeDev(major, minor uint8) Dev {
	return Dev(major)<<8 | Dev(minor)
}

// Major returns the major device number.
func (d Dev) Major() uint8 { return uint8(d >> 8) }

// Minor returns the minor device number.
func (d Dev) Minor() uint8 { return uint8(d) }

func (d Dev) String() string {
	if d == NoDev {
		return "nodev"
	}
	return fmt.Sprintf("%d,%d", d.Major(), d.Minor())
}
