package claw

import (
	"github.com/pkg/errors"
)

var (
	// ErrLockTimeout is returned when the controller lock could not be acquired within its bound.
	// Nothing was changed; the caller may retry.
	ErrLockTimeout = errors.New("controller lock timed out")

	// ErrInvalidOperation is returned when the actuator or the tooltip servo rejects a command,
	// for example a target outside its travel range.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidArgument is returned for an unrecognized control mode.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCalibrationTimedOut is only returned when FailOnCalibrationTimeout is set.
	ErrCalibrationTimedOut = errors.New("calibration timed out before the limit switch triggered")
)

// IsLockTimeout reports whether err is, or wraps, ErrLockTimeout.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
