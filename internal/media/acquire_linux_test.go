//go:build linux

package media

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/callkit/internal/config"
)

type fakeStream struct{ tracks []mediadevices.Track }

func (s *fakeStream) GetAudioTracks() []mediadevices.Track { return nil }
func (s *fakeStream) GetVideoTracks() []mediadevices.Track { return nil }
func (s *fakeStream) GetTracks() []mediadevices.Track      { return s.tracks }
func (s *fakeStream) AddTrack(mediadevices.Track)          {}
func (s *fakeStream) RemoveTrack(mediadevices.Track)       {}

func testAcquirer(t *testing.T) *DeviceAcquirer {
	t.Helper()
	a := NewDeviceAcquirer(config.Default().Media)
	a.enumerate = func() []mediadevices.MediaDeviceInfo {
		return []mediadevices.MediaDeviceInfo{{Label: "fake-cam"}, {Label: "fake-mic"}}
	}
	return a
}

func TestAcquireVideoFallsBackToAudioOnly(t *testing.T) {
	a := testAcquirer(t)

	var calls int
	a.getUserMedia = func(c mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		calls++
		if c.Video != nil {
			return nil, errors.New("open /dev/video0: device or resource busy")
		}
		return &fakeStream{}, nil
	}

	b, err := a.Acquire(context.Background(), Request{Video: true})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.False(t, b.HasVideo())
}

func TestAcquireReportsFirstError(t *testing.T) {
	a := testAcquirer(t)

	videoErr := errors.New("open /dev/video0: device or resource busy")
	a.getUserMedia = func(c mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		if c.Video != nil {
			return nil, videoErr
		}
		return nil, errors.New("malgo: no audio backend")
	}

	_, err := a.Acquire(context.Background(), Request{Video: true})
	require.Error(t, err)
	// The camera failure, not the degraded attempt's, reaches the caller.
	assert.ErrorIs(t, err, videoErr)
	assert.Equal(t, ClassDeviceUnreadable, ClassOf(err))
}

func TestAcquirePermissionDeniedDoesNotDegrade(t *testing.T) {
	a := testAcquirer(t)

	var calls int
	a.getUserMedia = func(c mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		calls++
		return nil, errors.New("open /dev/video0: permission denied")
	}

	// A denied camera is the user's to fix; silently falling back to an
	// audio call would hide it.
	_, err := a.Acquire(context.Background(), Request{Video: true})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ClassPermissionDenied, ClassOf(err))
}

func TestAcquireAudioOnlyHasNoLadder(t *testing.T) {
	a := testAcquirer(t)

	var calls int
	audioErr := errors.New("malgo: device in use")
	a.getUserMedia = func(c mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		calls++
		require.Nil(t, c.Video)
		return nil, audioErr
	}

	_, err := a.Acquire(context.Background(), Request{Video: false})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ClassDeviceUnreadable, ClassOf(err))
}

func TestAcquireNoDevices(t *testing.T) {
	a := testAcquirer(t)
	a.enumerate = func() []mediadevices.MediaDeviceInfo { return nil }

	_, err := a.Acquire(context.Background(), Request{Video: true})
	require.Error(t, err)
	assert.Equal(t, ClassDeviceNotFound, ClassOf(err))
}

func TestAcquireHonoursContext(t *testing.T) {
	a := testAcquirer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Acquire(ctx, Request{Video: true})
	require.ErrorIs(t, err, context.Canceled)
}
