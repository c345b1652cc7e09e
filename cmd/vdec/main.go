package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vdec/clock"
	"github.com/zsiec/vdec/codec"
	"github.com/zsiec/vdec/decoder"
	"github.com/zsiec/vdec/demux"
	"github.com/zsiec/vdec/media"
	"github.com/zsiec/vdec/resource"
	"github.com/zsiec/vdec/tsfeed"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	inputPath := envOr("INPUT", "-")

	var r *os.File
	if inputPath == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(inputPath)
		if err != nil {
			log.Error("failed to open input", "path", inputPath, "error", err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}

	log.Info("vdec starting", "version", version, "input", inputPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	dmx := demux.NewDemuxer(r, log)
	stats := newLogStats(log)
	dmx.SetStats(stats)

	clk := clock.New(time.Microsecond)
	pool := resource.NewPool()

	video := decoder.New("video", media.Video, clk, pool,
		decoder.WithVideoCodec(newPassthroughVideo(), func() (codec.VideoDecoder, error) { return newPassthroughVideo(), nil }),
		decoder.WithMaster(true),
		decoder.WithCallbacks(decoder.Callbacks{
			OnVoutStarted: func(sinkID string, order int) { log.Info("vout started", "sink", sinkID, "order", order) },
			OnVoutStopped: func(sinkID string) { log.Info("vout stopped", "sink", sinkID) },
			OnNewVideoStats: func(decoded, lost, displayed, late int64) {
				log.Debug("video stats", "decoded", decoded, "lost", lost, "displayed", displayed, "late", late)
			},
		}),
	)
	video.Start()
	defer video.Close()

	audioPipelines := make(map[int]*decoder.Pipeline)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dmx.Run(gctx)
	})

	g.Go(func() error {
		select {
		case <-dmx.PMTReady():
		case <-gctx.Done():
			return gctx.Err()
		}
		for _, t := range dmx.AudioTrackChannels() {
			t := t
			ap := decoder.New(fmt.Sprintf("audio-%d", t.TrackIndex), media.Audio, clk, pool,
				decoder.WithAudioCodec(newPassthroughAudio(), func() (codec.AudioDecoder, error) { return newPassthroughAudio(), nil }),
				decoder.WithCallbacks(decoder.Callbacks{
					OnNewAudioStats: func(decoded, lost, played int64) {
						log.Debug("audio stats", "track", t.TrackIndex, "decoded", decoded, "lost", lost, "played", played)
					},
				}),
			)
			ap.Start()
			audioPipelines[t.TrackIndex] = ap
		}

		feed := tsfeed.New(dmx, video, audioPipelines, func(channel int, text string) {
			log.Debug("caption", "channel", channel, "text", text)
		})
		feed.Run(gctx)
		for _, ap := range audioPipelines {
			ap.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Error("vdec error", "error", err)
		os.Exit(1)
	}

	log.Info("vdec finished",
		"video_frames", stats.videoFrames.Load(),
		"audio_frames", stats.audioFrames.Load(),
		"captions", stats.captions.Load(),
		"scte35_events", stats.scte35Events.Load(),
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// passthroughVideo and passthroughAudio are example codec stand-ins: real
// codec implementations are out of scope for this subsystem (spec §1).
// They let cmd/vdec exercise decoder.Pipeline end-to-end against a real
// transport stream without linking an actual decoder library.
type passthroughVideo struct{}

func newPassthroughVideo() *passthroughVideo { return &passthroughVideo{} }

func (c *passthroughVideo) Decode(u *media.Unit, output func(*media.Picture)) codec.Result {
	output(&media.Picture{PTS: u.PTS, Width: 0, Height: 0, Chroma: "passthrough"})
	return codec.Success
}
func (c *passthroughVideo) Flush() {}
func (c *passthroughVideo) Format() media.VideoFormat {
	return media.VideoFormat{Chroma: "passthrough"}
}
func (c *passthroughVideo) Close() {}

type passthroughAudio struct{}

func newPassthroughAudio() *passthroughAudio { return &passthroughAudio{} }

func (c *passthroughAudio) Decode(u *media.Unit, output func(*media.AudioBuffer)) codec.Result {
	output(&media.AudioBuffer{PTS: u.PTS, Data: u.Payload})
	return codec.Success
}
func (c *passthroughAudio) Flush() {}
func (c *passthroughAudio) Format() media.AudioFormat {
	return media.AudioFormat{SampleRate: 48000, BytesPerFrame: 4}
}
func (c *passthroughAudio) Close() {}

// logStats implements demux.StatsRecorder by logging and counting; it is
// the concrete collaborator the doc comment on demux.StatsRecorder refers
// to.
type logStats struct {
	log          *slog.Logger
	videoFrames  atomic.Int64
	audioFrames  atomic.Int64
	captions     atomic.Int64
	scte35Events atomic.Int64
}

func newLogStats(log *slog.Logger) *logStats {
	return &logStats{log: log.With("component", "stats")}
}

func (s *logStats) RecordVideoFrame(bytes int64, isKeyframe bool, pts int64) {
	s.videoFrames.Add(1)
	if isKeyframe {
		s.log.Debug("keyframe", "bytes", bytes, "pts", pts)
	}
}

func (s *logStats) RecordAudioFrame(trackIdx int, bytes int64, pts int64, sampleRate, channels int) {
	s.audioFrames.Add(1)
}

func (s *logStats) RecordCaption(channel int) {
	s.captions.Add(1)
}

func (s *logStats) RecordResolution(width, height int) {
	s.log.Info("resolution", "width", width, "height", height)
}

func (s *logStats) RecordTimecode(tc string) {
	s.log.Debug("timecode", "value", tc)
}

func (s *logStats) RecordSCTE35(event demux.SCTE35Event) {
	s.scte35Events.Add(1)
	s.log.Info("scte35", "command", event.CommandType, "description", event.Description)
}

func (s *logStats) RecordVideoCodec(codec string) {
	s.log.Info("video codec", "codec", codec)
}
