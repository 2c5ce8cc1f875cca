//go:build linux

package ble

// Write sends data to the characteristic. BlueZ support in tinygo/bluetooth
// only exposes write-without-response, so no acknowledgement is awaited on
// Linux. The light still reports power changes through notifications.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}
