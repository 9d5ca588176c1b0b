// Package link describes the short-range wireless transport the headset is
// reached through. Concrete transports live in the subpackages.
package link

import (
	"context"
	"errors"
)

// Identifiers advertised by the headset firmware.
const (
	DeviceName         = "ESP32C6_EEG"
	ServiceUUID        = "6910123a-eb0d-4c35-9a60-bebe1dcb549d"
	CharacteristicUUID = "5f4f1107-7fc1-43b2-a540-0aa1a9f1ce78"
)

var (
	ErrTransportUnsupported           = errors.New("bluetooth transport unavailable")
	ErrDiscoveryFailed                = errors.New("device discovery failed")
	ErrGattConnectFailed              = errors.New("gatt connect failed")
	ErrServiceOrCharacteristicMissing = errors.New("service or characteristic missing")
	ErrSubscriptionFailed             = errors.New("notification subscription failed")
)

// Adapter finds devices.
type Adapter interface {
	Discover(ctx context.Context, name string) (Device, error)
}

// Device is a discovered peripheral.
type Device interface {
	Address() string
	Connect(ctx context.Context) (Server, error)
	// OnUnexpectedDisconnect registers fn to be called once if the link
	// drops without Server.Disconnect having been called.
	OnUnexpectedDisconnect(fn func())
}

// Server is an open GATT connection.
type Server interface {
	Service(ctx context.Context, uuid string) (Service, error)
	Disconnect() error
}

// Service is a resolved primary service.
type Service interface {
	Characteristic(ctx context.Context, uuid string) (Characteristic, error)
}

// Characteristic is a resolved characteristic that supports notifications.
type Characteristic interface {
	// Subscribe enables notifications. fn receives each payload in
	// delivery order and must not retain the slice.
	Subscribe(fn func([]byte)) error
	Unsubscribe() error
}
