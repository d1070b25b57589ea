package call

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Opus in Ogg always runs at a 48 kHz granule clock.
const oggClockRate = 48000

// LocalMedia is the local capture: IVF video and Ogg/Opus audio files played in
// a loop into static-sample tracks.
type LocalMedia struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample

	audioPath string
	videoPath string
}

// OpenLocalMedia validates the files and creates one track per given path.
// Either path may be empty.
func OpenLocalMedia(videoPath, audioPath, streamID string) (*LocalMedia, error) {
	m := &LocalMedia{videoPath: videoPath, audioPath: audioPath}

	if videoPath != "" {
		mime, err := probeIVF(videoPath)
		if err != nil {
			return nil, err
		}
		m.Video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
	}

	if audioPath != "" {
		if err := probeOgg(audioPath); err != nil {
			return nil, err
		}
		var err error
		m.Audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
	}

	return m, nil
}

// Tracks returns the tracks that were opened.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if m.Audio != nil {
		tracks = append(tracks, m.Audio)
	}
	if m.Video != nil {
		tracks = append(tracks, m.Video)
	}
	return tracks
}

// Run plays the files into their tracks until ctx is done. Samples written
// while a track is detached are dropped by pion.
func (m *LocalMedia) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if m.Video != nil {
		g.Go(func() error { return loop(ctx, m.videoPath, m.Video, playIVF) })
	}
	if m.Audio != nil {
		g.Go(func() error { return loop(ctx, m.audioPath, m.Audio, playOgg) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// player writes samples from r into track and returns how many it wrote.
type player func(ctx context.Context, r io.Reader, track *webrtc.TrackLocalStaticSample) (int, error)

func loop(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample, play player) error {
	for {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		n, err := play(ctx, f, track)
		f.Close()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s: no samples", ErrInvalidMedia, path)
		}
		log.Debug().Str("file", path).Int("samples", n).Msg("media file looped")
	}
}

func probeIVF(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidMedia, path, err)
	}
	if header.TimebaseDenominator == 0 || header.TimebaseNumerator == 0 {
		return "", fmt.Errorf("%w: %s: zero timebase", ErrInvalidMedia, path)
	}

	switch header.FourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, header.FourCC)
	}
}

func probeOgg(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, _, err := oggreader.NewWith(f); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMedia, path, err)
	}
	return nil
}

// playIVF writes one frame per timebase tick until end of file.
func playIVF(ctx context.Context, r io.Reader, track *webrtc.TrackLocalStaticSample) (int, error) {
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return 0, err
	}

	interval := time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	if interval <= 0 {
		interval = time.Second / 30
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	written := 0
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
			return written, err
		}
		written++
	}
}

// playOgg writes one page per tick, pacing by the granule position delta.
func playOgg(ctx context.Context, r io.Reader, track *webrtc.TrackLocalStaticSample) (int, error) {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return 0, err
	}

	var lastGranule uint64
	next := time.Now()
	written := 0
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}

		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}

		samples := header.GranulePosition - lastGranule
		if header.GranulePosition < lastGranule {
			samples = 0
		}
		lastGranule = header.GranulePosition
		duration := time.Duration(samples) * time.Second / oggClockRate

		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case <-time.After(time.Until(next)):
		}
		next = next.Add(duration)

		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return written, err
		}
		written++
	}
}
