// Package device defines the BLE provider interfaces the collection engine
// runs against: adapter enumeration, scanning, connections, characteristic
// access and the notification stream. Implementations live in subpackages;
// tests use an in-memory fake.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ConnectionState represents the specific kind of connection state failure.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states.
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors.
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// NotFoundError reports a missing GATT resource during discovery.
type NotFoundError struct {
	Resource string   // "adapter", "service", "characteristic"
	UUIDs    []string // e.g. [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	default:
		return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
	}
}

// NormalizeError maps known go-ble error strings to structured
// ConnectionError types so callers handle transport failures consistently.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "device not connected"),
		strings.Contains(msg, "not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case strings.Contains(msg, "already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case strings.Contains(msg, "not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	default:
		return err
	}
}

// Advertisement is one observed broadcast from a peripheral.
type Advertisement interface {
	Addr() string
	LocalName() string
	RSSI() int
	Connectable() bool
	Services() []string
}

// Notification is one server-initiated value push from a subscribed
// characteristic.
type Notification struct {
	Service        string
	Characteristic string
	Value          []byte
}

// Provider exposes the host's BLE adapters.
type Provider interface {
	// Adapters enumerates the local adapters available at startup.
	Adapters(ctx context.Context) ([]Adapter, error)
}

// Adapter is one local BLE controller (e.g. hci0).
type Adapter interface {
	// ID returns the adapter name, e.g. "hci0".
	ID() string

	// Scan runs a continuous scan, invoking handler for every observed
	// advertisement. It blocks until ctx is cancelled or the adapter fails.
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error

	// Connect dials a peripheral by address. The returned Peripheral is
	// exclusively owned by the caller until Disconnect.
	Connect(ctx context.Context, addr string) (Peripheral, error)
}

// Peripheral is a connected remote device.
type Peripheral interface {
	// Addr returns the peripheral address the connection was dialed with.
	Addr() string

	// DiscoverServices resolves the peripheral's GATT topology.
	DiscoverServices(ctx context.Context) ([]Service, error)

	// Read pulls the current value of a characteristic.
	Read(ctx context.Context, service, characteristic string) ([]byte, error)

	// Write pushes a value to a characteristic.
	Write(ctx context.Context, service, characteristic string, value []byte, withResponse bool) error

	// Subscribe enables notifications for a characteristic. Pushed values
	// arrive on Notifications.
	Subscribe(ctx context.Context, service, characteristic string) error

	// Notifications returns the shared stream of pushed values for this
	// peripheral. The channel is not closed when the connection drops;
	// consumers watch Disconnected instead.
	Notifications() <-chan Notification

	// Disconnected is closed when the transport reports the link gone.
	Disconnected() <-chan struct{}

	// Disconnect tears the connection down and releases the handle.
	Disconnect() error
}

// Service is one GATT service of a connected peripheral.
type Service interface {
	UUID() string
	Characteristics() []Characteristic
}

// Properties describes what operations a characteristic supports.
type Properties struct {
	Read     bool
	Write    bool
	Notify   bool
	Indicate bool
}

// Characteristic is one GATT characteristic of a connected peripheral.
type Characteristic interface {
	UUID() string
	Properties() Properties
}
