//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/parleyhq/callkit/internal/config"
)

// DeviceAcquirer captures camera/microphone through V4L2 and malgo.
type DeviceAcquirer struct {
	cfg config.Media

	// getUserMedia and enumerate are swappable for tests.
	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	enumerate    func() []mediadevices.MediaDeviceInfo
}

// NewDeviceAcquirer returns the hardware-backed Acquirer.
func NewDeviceAcquirer(cfg config.Media) *DeviceAcquirer {
	return &DeviceAcquirer{
		cfg:          cfg,
		getUserMedia: mediadevices.GetUserMedia,
		enumerate:    mediadevices.EnumerateDevices,
	}
}

// Acquire captures local media for a call. A video request degrades to
// audio-only when the camera is missing or unreadable; permission and
// constraint failures surface as-is. When the degraded attempt fails too,
// the camera's error is the one reported, since that is the failure the
// user needs to fix.
func (a *DeviceAcquirer) Acquire(ctx context.Context, req Request) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	selector, err := newCodecSelector(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("codec selector: %w", err)
	}

	devices := a.enumerate()
	if len(devices) == 0 {
		return nil, classify(fmt.Errorf("no media devices found"))
	}
	for _, d := range devices {
		log.Debugw("media device", "kind", d.Kind, "label", d.Label)
	}

	stream, err := a.getUserMedia(a.constraints(selector, req.Video))
	if err == nil {
		log.Infow("local media captured", "video", req.Video, "tracks", len(stream.GetTracks()))
		return newBundle(selector, stream), nil
	}

	first := classify(err)
	if req.Video && (first.Class == ClassDeviceNotFound || first.Class == ClassDeviceUnreadable) {
		log.Warnw("video capture failed, retrying audio-only", "err", err)
		if stream, err := a.getUserMedia(a.constraints(selector, false)); err == nil {
			log.Infow("local media captured", "video", false, "tracks", len(stream.GetTracks()))
			return newBundle(selector, stream), nil
		}
	}
	return nil, first
}

func (a *DeviceAcquirer) constraints(selector *mediadevices.CodecSelector, video bool) mediadevices.MediaStreamConstraints {
	c := mediadevices.MediaStreamConstraints{Codec: selector}
	c.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if video {
		c.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only. Some cameras expose an MJPEG node that
			// produces malformed JPEG frames and poisons the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: a.cfg.VideoMaxWidth}
			mc.Height = prop.IntRanged{Max: a.cfg.VideoMaxHeight}
		}
	}
	return c
}
