//go:build !linux

package tinyble

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/srg/imucap/internal/device"
)

type Dialer struct{}

func NewDialer(_ *logrus.Logger) *Dialer { return &Dialer{} }

func (d *Dialer) Dial(_ context.Context, _ string, _ *device.ConnectOptions) (device.Link, error) {
	return nil, unsupported()
}

func NewScanner() (device.Scanner, error) {
	return nil, unsupported()
}

func unsupported() error {
	return fmt.Errorf("%w: tinygo backend is only wired for BlueZ, not %s", device.ErrUnsupported, runtime.GOOS)
}
