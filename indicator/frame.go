// Package indicator drives the claw's status light from CAN frames or DoCommand.
package indicator

import (
	"fmt"
)

const (
	// CommandID is the CAN ID of a frame that selects a light mode.
	CommandID uint32 = 0x794
	// AckID is the CAN ID of the reply sent for every CommandID frame.
	AckID uint32 = 0x795
	// AckTag is the first data byte of an acknowledgement.
	AckTag byte = 0x94

	maxStandardID = 0x7FF
	maxExtendedID = 0x1FFFFFFF
	maxDataLength = 8
)

// Frame is a classic CAN data frame.
type Frame struct {
	ID   uint32
	Data []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%03X#% X", f.ID, f.Data)
}

// Extended reports whether the ID needs the 29-bit format.
func (f Frame) Extended() bool {
	return f.ID > maxStandardID
}

// Validate checks the ID and payload fit a CAN frame.
func (f Frame) Validate() error {
	if f.ID > maxExtendedID {
		return fmt.Errorf("CAN ID 0x%X exceeds 29 bits", f.ID)
	}
	if len(f.Data) > maxDataLength {
		return fmt.Errorf("CAN payload of %d bytes exceeds %d", len(f.Data), maxDataLength)
	}
	return nil
}

// Mode is the light pattern selected by the first data byte of a command frame.
type Mode byte

const (
	ModeRed Mode = iota
	ModeBlue
	ModeFlashGreen
	ModeOff
)

func (m Mode) String() string {
	switch m {
	case ModeRed:
		return "red"
	case ModeBlue:
		return "blue"
	case ModeFlashGreen:
		return "flash_green"
	case ModeOff:
		return "off"
	default:
		return fmt.Sprintf("unknown(%d)", byte(m))
	}
}

// Valid reports whether m names a known pattern.
func (m Mode) Valid() bool {
	return m <= ModeOff
}

// CommandFrame builds the frame that selects mode.
func CommandFrame(mode Mode) Frame {
	return Frame{ID: CommandID, Data: []byte{byte(mode)}}
}

// AckFrame builds the acknowledgement for a command carrying mode.
func AckFrame(mode Mode) Frame {
	return Frame{ID: AckID, Data: []byte{AckTag, byte(mode)}}
}
