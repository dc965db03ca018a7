// Package media acquires local camera/microphone tracks via
// pion/mediadevices and hands them to the peer layer as a Bundle. Muting
// is reversible: instead of removing tracks (which forces renegotiation)
// a disabled track keeps flowing black frames or silence through a gate
// transform installed at capture time.
package media

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/parleyhq/callkit/internal/config"
)

var log = logging.Logger("media")

// Request describes what to capture for one call.
type Request struct {
	// Video asks for camera capture in addition to the microphone.
	Video bool
}

// Acquirer opens local capture devices. The device-backed implementation
// is DeviceAcquirer; tests substitute fakes.
type Acquirer interface {
	Acquire(ctx context.Context, req Request) (*Bundle, error)
}

// newCodecSelector builds the VP8+Opus selector shared by capture and the
// peer connection's media engine.
func newCodecSelector(cfg config.Media) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	opusParams.BitRate = cfg.AudioBitRate

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// Bundle is one acquired capture session: its tracks, the codec selector
// they were encoded against, and the mute gates.
type Bundle struct {
	Selector *mediadevices.CodecSelector

	stream mediadevices.MediaStream
	tracks []mediadevices.Track

	audioGate *gate
	videoGate *gate

	releaseOnce sync.Once
	released    atomic.Bool
}

func newBundle(selector *mediadevices.CodecSelector, stream mediadevices.MediaStream) *Bundle {
	b := &Bundle{
		Selector:  selector,
		stream:    stream,
		audioGate: newGate(),
		videoGate: newGate(),
	}
	if stream != nil {
		b.tracks = stream.GetTracks()
	}
	for _, t := range b.tracks {
		switch tr := t.(type) {
		case *mediadevices.VideoTrack:
			tr.Transform(b.videoGate.videoTransform)
		case *mediadevices.AudioTrack:
			tr.Transform(b.audioGate.audioTransform)
		}
	}
	return b
}

// Tracks returns the captured tracks in acquisition order. Empty when
// capture fell back to receive-only.
func (b *Bundle) Tracks() []mediadevices.Track { return b.tracks }

// HasVideo reports whether a camera track was captured.
func (b *Bundle) HasVideo() bool {
	for _, t := range b.tracks {
		if _, ok := t.(*mediadevices.VideoTrack); ok {
			return true
		}
	}
	return false
}

// HasAudio reports whether a microphone track was captured.
func (b *Bundle) HasAudio() bool {
	for _, t := range b.tracks {
		if _, ok := t.(*mediadevices.AudioTrack); ok {
			return true
		}
	}
	return false
}

// SetAudioEnabled opens or closes the microphone gate. Disabled means the
// track keeps flowing but carries silence.
func (b *Bundle) SetAudioEnabled(enabled bool) { b.audioGate.set(enabled) }

// SetVideoEnabled opens or closes the camera gate. Disabled means the
// track keeps flowing but carries black frames.
func (b *Bundle) SetVideoEnabled(enabled bool) { b.videoGate.set(enabled) }

// AudioEnabled reports the microphone gate state.
func (b *Bundle) AudioEnabled() bool { return b.audioGate.enabled() }

// VideoEnabled reports the camera gate state.
func (b *Bundle) VideoEnabled() bool { return b.videoGate.enabled() }

// Released reports whether Release ran.
func (b *Bundle) Released() bool { return b.released.Load() }

// Release closes every captured track and turns off the capture hardware.
// Idempotent.
func (b *Bundle) Release() {
	b.releaseOnce.Do(func() {
		b.released.Store(true)
		for _, t := range b.tracks {
			if err := t.Close(); err != nil {
				log.Debugw("track close", "kind", t.Kind(), "err", err)
			}
		}
		log.Debugw("bundle released", "tracks", len(b.tracks))
	})
}

// gate is a reversible mute switch installed into the mediadevices
// pipeline. Tracks stay bound to the peer connection throughout.
type gate struct {
	on atomic.Bool
}

func newGate() *gate {
	g := &gate{}
	g.on.Store(true)
	return g
}

func (g *gate) set(enabled bool) { g.on.Store(enabled) }
func (g *gate) enabled() bool    { return g.on.Load() }

// videoTransform substitutes black frames while the gate is closed. The
// frame geometry follows the live capture so the encoder never sees a
// resolution change.
func (g *gate) videoTransform(r video.Reader) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil || g.enabled() {
			return img, release, err
		}
		black := blackFrame(img.Bounds())
		if release != nil {
			release()
		}
		return black, func() {}, nil
	})
}

// audioTransform substitutes silence while the gate is closed, preserving
// the chunk layout of the live capture.
func (g *gate) audioTransform(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil || g.enabled() {
			return chunk, release, err
		}
		silence := wave.NewInt16Interleaved(chunk.ChunkInfo())
		if release != nil {
			release()
		}
		return silence, func() {}, nil
	})
}

func blackFrame(bounds image.Rectangle) image.Image {
	img := image.NewYCbCr(bounds, image.YCbCrSubsampleRatio420)
	// Zeroed Y is black; chroma planes need the neutral midpoint.
	for i := range img.Cb {
		img.Cb[i] = 128
	}
	for i := range img.Cr {
		img.Cr[i] = 128
	}
	return img
}
