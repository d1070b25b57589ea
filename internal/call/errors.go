package call

import "errors"

var (
	ErrChannelNotOpen   = errors.New("control channel not open")
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrTrackNotAttached = errors.New("track not attached")
	ErrInvalidMedia     = errors.New("invalid media file")
)
