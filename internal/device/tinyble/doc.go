// Package tinyble implements the device transport on top of
// tinygo.org/x/bluetooth (BlueZ over D-Bus on Linux).
package tinyble
