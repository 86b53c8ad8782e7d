package main

import (
	"errors"

	"github.com/srg/blecd/internal/device"
)

// FormatUserError maps internal errors to operator-friendly messages.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrNotConnected):
		return "peripheral is not connected: " + err.Error()
	case errors.Is(err, device.ErrTimeout):
		return "operation timed out: " + err.Error()
	default:
		return err.Error()
	}
}
