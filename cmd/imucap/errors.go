package main

import (
	"errors"
	"fmt"

	"github.com/srg/imucap/internal/codec"
	"github.com/srg/imucap/internal/device"
	"github.com/srg/imucap/internal/reassembly"
	"github.com/srg/imucap/internal/recorder"
	"github.com/srg/imucap/internal/session"
	"github.com/srg/imucap/scanner"
)

// userHints pairs error sentinels with what the user can do about them.
// The first match wins, so more specific causes come first.
var userHints = []struct {
	target error
	hint   string
}{
	{device.ErrBluetoothOff, "Bluetooth is off; enable it and retry"},
	{scanner.ErrDeviceNotFound, "the node is not advertising; check it is powered and in range (see 'imucap scan')"},
	{session.ErrServiceNotFound, "the device does not expose the IMU service; check the address"},
	{session.ErrDeviceUnreachable, "could not connect to the node; move closer or power-cycle it"},
	{recorder.ErrCaptureTimedOut, "the node did not finish in time; its data is still buffered, try 'imucap pull'"},
	{recorder.ErrConnectionLost, "the link dropped mid-operation; the node keeps its buffer, try 'imucap pull'"},
	{session.ErrWriteRejected, "the node rejected a command; it may be busy recording"},
	{codec.ErrMalformedPayload, "the node sent corrupt data; retry the transfer"},
	{reassembly.ErrOrderingViolation, "the node sent data out of order; retry the transfer"},
	{reassembly.ErrUnexpectedDataAfterCompletion, "the node sent more data than announced; retry the transfer"},
}

// FormatUserError renders err for the terminal, appending a hint when the
// cause is one the user can act on.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	for _, h := range userHints {
		if errors.Is(err, h.target) {
			return fmt.Sprintf("%v\n       hint: %s", err, h.hint)
		}
	}
	return err.Error()
}
