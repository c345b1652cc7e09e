package media

// Picture is a single decoded video frame handed by the codec to the
// decoder, and by the decoder to the video sink. Next is populated by the
// previous-frame helper: when a retained candidate is finally recognized
// as the previous frame, the picture that triggered that recognition is
// threaded onto Next as the "resume" frame to show once normal playback
// continues (spec §4.4).
type Picture struct {
	PTS          int64
	Width        int
	Height       int
	Chroma       string
	Data         []byte
	Still        bool
	ForceDisplay bool
	Next         *Picture
}

// AudioBuffer is a single decoded block of PCM (or passthrough bitstream)
// samples handed by the codec to the audio stream.
type AudioBuffer struct {
	PTS           int64
	Data          []byte
	SampleRate    int
	Channels      int
	BytesPerFrame int
}

// SubPicture is a single decoded subtitle region handed to the video
// sink's subpicture channel.
type SubPicture struct {
	Start int64
	Stop  int64
	Data  []byte
	Order int64
}

// VideoFormat describes the negotiated output shape of a video elementary
// stream. Two VideoFormats are compared field-by-field by negotiate.Video
// to decide whether the sink must be recreated (spec §4.2).
type VideoFormat struct {
	Width, Height           int
	VisibleWidth            int
	VisibleHeight           int
	Chroma                  string
	SARNum, SARDen          int
	Orientation             int
	Multiview               int
	MasteringDisplay         bool
	ContentLightLevel        bool
}

// AudioFormat describes the negotiated output shape of an audio
// elementary stream (spec §4.2 update_audio_format).
type AudioFormat struct {
	BytesPerFrame   int
	SampleFormat    string
	ChannelLayout   uint32
	Profile         int
	ReplayGainSource string
	SampleRate      int
	FrameLength     int
}

// SubtitleFormat is intentionally minimal: subtitle sinks negotiate only
// through the video sink they overlay on (spec §4.2 buffer-new).
type SubtitleFormat struct {
	Encoding string
}
