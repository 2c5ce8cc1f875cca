//go:build !linux

package ble

// Write sends data to the characteristic and waits for the write response.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
