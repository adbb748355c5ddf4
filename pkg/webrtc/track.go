package webrtc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/session"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// Track is an outgoing media track fed with encoded samples.
type Track struct {
	local *webrtc.TrackLocalStaticSample
}

var samplePool sync.Pool

// NewTrack creates a track with the codec of the kind (audio or video).
func NewTrack(kind string, label string, codec string) (*Track, error) {
	codec = strings.ToLower(codec)
	var mime string
	switch kind {
	case "audio":
		switch codec {
		case "opus":
			mime = webrtc.MimeTypeOpus
		}
	case "video":
		switch codec {
		case "h264":
			mime = webrtc.MimeTypeH264
		case "vpx", "vp8":
			mime = webrtc.MimeTypeVP8
		case "vp9":
			mime = webrtc.MimeTypeVP9
		}
	}
	if mime == "" {
		return nil, fmt.Errorf("unsupported codec %s:%s", kind, codec)
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind, label)
	if err != nil {
		return nil, err
	}
	return &Track{local: local}, nil
}

func (t *Track) ID() string       { return t.local.ID() }
func (t *Track) Kind() string     { return t.local.Kind().String() }
func (t *Track) MimeType() string { return t.local.Codec().MimeType }

// WriteSample sends one encoded frame to all the peers of the track.
func (t *Track) WriteSample(data []byte, duration time.Duration) error {
	sample, _ := samplePool.Get().(*media.Sample)
	if sample == nil {
		sample = new(media.Sample)
	}
	sample.Data = data
	sample.Duration = duration
	err := t.local.WriteSample(*sample)
	sample.Data = nil
	samplePool.Put(sample)
	return err
}

// Tracks keeps the media tracks published for the seats.
// The capture side publishes a track once its frames exist.
type Tracks struct {
	mu     sync.RWMutex
	tracks map[api.SeatIndex]*Track
}

func NewTracks() *Tracks { return &Tracks{tracks: make(map[api.SeatIndex]*Track)} }

func (t *Tracks) Publish(seat api.SeatIndex, track *Track) {
	t.mu.Lock()
	t.tracks[seat] = track
	t.mu.Unlock()
}

func (t *Tracks) Remove(seat api.SeatIndex) {
	t.mu.Lock()
	delete(t.tracks, seat)
	t.mu.Unlock()
}

func (t *Tracks) TryGetTrackSource(seat api.SeatIndex) session.Track {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if track, ok := t.tracks[seat]; ok && track != nil {
		return track
	}
	return nil
}
