package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/srg/imucap/internal/testutils"
	"github.com/srg/imucap/scanner"
)

func TestDisplayDevicesTable(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	devices := []scanner.DeviceEntry{
		{Address: "AA:BB:CC:DD:EE:FF", Name: "IMU Logger", RSSI: -48, HasIMU: true, LastSeen: now.Add(-1500 * time.Millisecond)},
		{Address: "11:22:33:44:55:66", RSSI: -90, LastSeen: now.Add(-12 * time.Second)},
	}

	var buf bytes.Buffer
	displayDevicesTable(&buf, devices, now)

	testutils.NewTextAsserter(t).Assert(buf.String(), `
ADDRESS            NAME        RSSI     IMU  LAST SEEN
AA:BB:CC:DD:EE:FF  IMU Logger  -48 dBm  yes  1s ago
11:22:33:44:55:66  -           -90 dBm  no   12s ago

2 device(s) found
`)
}

func TestDisplayDevicesTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	displayDevicesTable(&buf, nil, time.Now())

	testutils.NewTextAsserter(t).Assert(buf.String(), "No devices found")
}
