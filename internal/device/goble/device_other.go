//go:build !linux

package goble

import (
	"fmt"

	blelib "github.com/go-ble/ble"
)

// newHCIDevice is only implemented for Linux HCI controllers.
func newHCIDevice(int) (blelib.Device, error) {
	return nil, fmt.Errorf("HCI adapters are only supported on linux")
}
