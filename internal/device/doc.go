// Package device defines the transport surface the capture pipeline needs from
// a Bluetooth Low Energy stack.
//
// The interfaces cover exactly what the IMU node protocol uses:
//   - Dialing one peripheral and discovering its GATT profile
//   - Characteristic read, write (with or without response) and notify
//   - A one-shot disconnect signal per link
//   - Advertisement scanning for discovery
//
// Concrete stacks live in sub-packages (goble, tinyble) and are selected by
// name through the devicefactory package.
package device
