package call

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/utils"
)

type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// Recorder consumes remote tracks. With a directory set, VP8 video is written to
// IVF files and Opus audio to Ogg files; everything else is read and discarded.
type Recorder struct {
	Dir string
}

// Describe converts a pion track into the controller's view of it.
func Describe(track *webrtc.TrackRemote) negotiation.RemoteTrack {
	return negotiation.RemoteTrack{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind(),
		Codec:    track.Codec().MimeType,
	}
}

// Consume reads track until it ends, then calls done. It blocks; run it in
// its own goroutine.
func (r *Recorder) Consume(remote string, track *webrtc.TrackRemote, done func()) {
	defer done()

	logger := log.With().Str("remote", remote).Str("track", track.ID()).Logger()

	w, path, err := r.open(remote, track.Kind(), track.Codec())
	if err != nil {
		logger.Warn().Err(err).Msg("recording disabled for track")
		w = nil
	}
	if w != nil {
		logger.Info().Str("file", path).Msg("recording remote track")
		defer w.Close()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("remote track ended")
			return
		}
		if w == nil {
			continue
		}
		if err := w.WriteRTP(pkt); err != nil {
			logger.Warn().Err(err).Msg("write failed, recording stopped")
			w.Close()
			w = nil
		}
	}
}

func (r *Recorder) open(remote string, kind webrtc.RTPCodecType, codec webrtc.RTPCodecParameters) (rtpWriter, string, error) {
	if r.Dir == "" {
		return nil, "", nil
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, "", err
	}

	base := fmt.Sprintf("%s-%s-%s", utils.SanitizeFilename(remote), kind, time.Now().Format("20060102-150405"))

	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		path := utils.GetUniqueFilename(filepath.Join(r.Dir, base+".ivf"))
		w, err := ivfwriter.New(path)
		if err != nil {
			return nil, "", err
		}
		return w, path, nil
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		path := utils.GetUniqueFilename(filepath.Join(r.Dir, base+".ogg"))
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err := oggwriter.New(path, codec.ClockRate, channels)
		if err != nil {
			return nil, "", err
		}
		return w, path, nil
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
	}
}
