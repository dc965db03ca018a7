//go:build !linux

package media

import (
	"context"
	"fmt"

	"github.com/parleyhq/callkit/internal/config"
)

// DeviceAcquirer has no capture backend off Linux; calls proceed
// receive-only there. V4L2 and malgo drivers are Linux-specific.
type DeviceAcquirer struct {
	cfg config.Media
}

// NewDeviceAcquirer returns the platform Acquirer.
func NewDeviceAcquirer(cfg config.Media) *DeviceAcquirer {
	return &DeviceAcquirer{cfg: cfg}
}

// Acquire always reports device-not-found on this platform.
func (a *DeviceAcquirer) Acquire(ctx context.Context, req Request) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &Error{Class: ClassDeviceNotFound, Err: fmt.Errorf("no capture drivers on this platform")}
}
