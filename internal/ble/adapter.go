// Package ble provides the BLE client for Surplife lights. It handles
// advertisement scanning, the persistent connection to a light, status
// notifications and reconnection over Bluetooth Low Energy.
package ble

import "context"

// Surplife BLE UUIDs
const (
	// AdvertisedServiceUUID is the service UUID Surplife lights advertise.
	AdvertisedServiceUUID = "0000e04c-0000-1000-8000-00805f9b34fb"
	// ServiceUUID is the GATT service holding the control characteristics.
	// Some firmware revisions advertise it instead of AdvertisedServiceUUID.
	ServiceUUID    = "0000c04c-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000a04c-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000f04c-0000-1000-8000-00805f9b34fb"
)

// SurplifeServiceUUIDs lists every service UUID that identifies a Surplife light.
var SurplifeServiceUUIDs = []string{AdvertisedServiceUUID, ServiceUUID}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic. It waits for the write response
	// where the platform backend supports it.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications on this characteristic.
	Unsubscribe() error
}

// Advertisement is a peripheral seen during a scan.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int
	// ServiceUUIDs holds the requested service UUIDs the peripheral advertised.
	ServiceUUIDs     []string
	ManufacturerData map[uint16][]byte
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every peripheral seen until ctx is done, one entry per
	// address. ServiceUUIDs on each entry lists which of serviceUUIDs the
	// peripheral advertised.
	Scan(ctx context.Context, serviceUUIDs ...string) ([]Advertisement, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
