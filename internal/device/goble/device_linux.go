//go:build linux

package goble

import (
	blelib "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// newHCIDevice opens the hciN controller.
func newHCIDevice(index int) (blelib.Device, error) {
	return linux.NewDevice(blelib.OptDeviceID(index))
}
