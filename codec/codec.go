// Package codec models the codec and packetizer modules the decoder
// pipeline drives. Real codec and packetizer implementations (audio,
// video, subtitle, hardware-accelerated or not) are out of scope for this
// subsystem (spec §1); this package defines the narrow interface contract
// the decoder core needs to hold up its end of the worker-loop protocol.
package codec

import "github.com/zsiec/vdec/media"

// Result is the tagged outcome of a single Decode/Packetize call,
// modeled as a sum type per spec §9 ("Sum types for codec return code")
// instead of the legacy plain integer.
type Result int

const (
	// Success indicates the call completed; zero or more outputs may have
	// been produced via the Output callback.
	Success Result = iota
	// Critical indicates an unrecoverable codec failure; the caller
	// latches the decoder's error flag (spec §7 TransientCodecError).
	Critical
	// Reload indicates the codec wants to be torn down and reconstructed
	// against the current format before this unit is retried (spec §4.5).
	Reload
)

// String implements fmt.Stringer for log output.
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Critical:
		return "critical"
	case Reload:
		return "reload"
	default:
		return "unknown"
	}
}

// VideoDecoder is the subset of a codec module's callback table the
// decoder core invokes for a video elementary stream (spec §6 "Codec
// owner callback table", video row).
type VideoDecoder interface {
	// Decode hands one compressed unit to the codec. The codec may invoke
	// Output zero or more times before returning.
	Decode(u *media.Unit, output func(*media.Picture)) Result
	// Flush discards any buffered state without producing further output.
	Flush()
	// Format returns the codec's currently declared output format.
	Format() media.VideoFormat
	// Close releases the codec instance.
	Close()
}

// AudioDecoder is the audio analogue of VideoDecoder (spec §6, audio row).
type AudioDecoder interface {
	Decode(u *media.Unit, output func(*media.AudioBuffer)) Result
	Flush()
	Format() media.AudioFormat
	Close()
}

// SubtitleDecoder is the subtitle analogue (spec §6, subtitle row).
type SubtitleDecoder interface {
	Decode(u *media.Unit, output func(*media.SubPicture)) Result
	Flush()
	Close()
}

// Packetizer converts byte-aligned payloads into codec-aligned access
// units when the demultiplexer did not already do so (Glossary:
// Packetizer).
type Packetizer interface {
	Packetize(u *media.Unit, output func(*media.Unit)) Result
	Flush()
	// GetCC returns the most recent closed-caption block the packetizer
	// extracted, if the packetizer exposes that capability (spec §4.3,
	// "packetizer-driven CC"). ok is false when the packetizer has no CC
	// capability or no block is pending.
	GetCC() (block []byte, desc CCDescriptor, ok bool)
	Close()
}

// CCDescriptor announces which closed-caption channels are active in the
// most recently seen side-data, mirroring spec §4.3.
type CCDescriptor struct {
	// Std is either "608" or "708".
	Std string
	// Channels is a bitmap: bit i set means channel i is active. Up to 4
	// bits for 608, up to 64 for 708.
	Channels uint64
	// ReorderDepth is copied onto every derived sub-decoder format.
	ReorderDepth int
}

// Any reports whether at least one channel bit is set.
func (d CCDescriptor) Any() bool { return d.Channels != 0 }

// Equal reports whether two descriptors describe the same active channel
// set, used to detect "desc changed" (spec §4.3 GetCcDesc).
func (d CCDescriptor) Equal(o CCDescriptor) bool {
	return d.Std == o.Std && d.Channels == o.Channels && d.ReorderDepth == o.ReorderDepth
}
