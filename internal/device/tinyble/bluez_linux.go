//go:build linux

package tinyble

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/srg/imucap/internal/device"
)

const (
	bluezDest          = "org.bluez"
	ifaceDevice        = "org.bluez.Device1"
	ifaceGattService   = "org.bluez.GattService1"
	ifaceGattChar      = "org.bluez.GattCharacteristic1"
	methodManagedObjs  = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	methodWriteValue   = ifaceGattChar + ".WriteValue"
	writeTypeRequest   = "request"
	writeOptionTypeKey = "type"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// gattKey identifies a characteristic by normalized service and characteristic UUID.
type gattKey struct {
	service        string
	characteristic string
}

// gattPaths asks BlueZ for the object paths of every characteristic the
// peripheral at address exposes. tinygo has no acknowledged write on Linux,
// so WriteValue is called on these paths directly.
func gattPaths(ctx context.Context, bus *dbus.Conn, address string) (map[gattKey]dbus.ObjectPath, error) {
	var objects managedObjects
	err := bus.Object(bluezDest, "/").CallWithContext(ctx, methodManagedObjs, 0).Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}
	return resolveGattPaths(objects, address), nil
}

func resolveGattPaths(objects managedObjects, address string) map[gattKey]dbus.ObjectPath {
	var devicePath dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[ifaceDevice]
		if !ok {
			continue
		}
		if addr, _ := props["Address"].Value().(string); strings.EqualFold(addr, address) {
			devicePath = path
			break
		}
	}

	paths := make(map[gattKey]dbus.ObjectPath)
	if devicePath == "" {
		return paths
	}
	prefix := string(devicePath) + "/"

	services := make(map[dbus.ObjectPath]string)
	for path, ifaces := range objects {
		if props, ok := ifaces[ifaceGattService]; ok && strings.HasPrefix(string(path), prefix) {
			uuid, _ := props["UUID"].Value().(string)
			services[path] = device.NormalizeUUID(uuid)
		}
	}

	for path, ifaces := range objects {
		props, ok := ifaces[ifaceGattChar]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		svcPath, _ := props["Service"].Value().(dbus.ObjectPath)
		svcUUID, ok := services[svcPath]
		if !ok {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		paths[gattKey{service: svcUUID, characteristic: device.NormalizeUUID(uuid)}] = path
	}
	return paths
}

// writeRequest performs an acknowledged (ATT Write Request) write.
func writeRequest(ctx context.Context, bus *dbus.Conn, path dbus.ObjectPath, data []byte) error {
	opts := map[string]dbus.Variant{writeOptionTypeKey: dbus.MakeVariant(writeTypeRequest)}
	return bus.Object(bluezDest, path).CallWithContext(ctx, methodWriteValue, 0, data, opts).Err
}
