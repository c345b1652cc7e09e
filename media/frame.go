// Package media defines the still-compressed frame types demux produces:
// one access unit per VideoFrame/AudioFrame, upstream of the decoder
// subsystem's own Unit/Picture/AudioBuffer types in unit.go and output.go.
// tsfeed converts these into *Unit values before they reach a Pipeline.
package media

// Channel buffer sizes the demuxer uses to decouple packet parsing from
// whatever drains its Video/Audio/Captions channels. Sized to absorb
// jitter without excessive memory: ~2 seconds of video, ~2.5s of audio.
const (
	VideoBufferSize   = 60
	AudioBufferSize   = 120
	CaptionBufferSize = 30
)

// VideoFrame represents a single demuxed video access unit (one picture),
// still compressed. It carries the raw NAL units in Annex B format along
// with parameter sets needed by a decoder to initialize or reconfigure.
type VideoFrame struct {
	PTS        int64
	DTS        int64
	IsKeyframe bool
	NALUs      [][]byte
	SPS        []byte
	PPS        []byte
	VPS        []byte
	Codec      string // "h264" or "h265"
	GroupID    uint32
}

// AudioFrame represents a single AAC audio frame (ADTS-wrapped) belonging
// to a specific audio track. Multi-track streams produce separate AudioFrames
// with distinct TrackIndex values.
type AudioFrame struct {
	PTS        int64
	Data       []byte
	SampleRate int
	Channels   int
	TrackIndex int
}
