// Core frame, sample and packet types used across the producer.
package produce

import (
	"image"
	"time"
)

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420   PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                      // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatRGB24                     // Packed RGB, 3 bytes per pixel
	PixelFormatRGBA32                    // Packed RGBA, 4 bytes per pixel
	PixelFormatBGRA32                    // Packed BGRA, 4 bytes per pixel
	PixelFormatRGBX32                    // Packed RGB, 4 bytes per pixel, padding byte ignored
	PixelFormatBGRX32                    // Packed BGR, 4 bytes per pixel, padding byte ignored
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatRGB24:
		return "RGB24"
	case PixelFormatRGBA32:
		return "RGBA32"
	case PixelFormatBGRA32:
		return "BGRA32"
	case PixelFormatRGBX32:
		return "RGBX32"
	case PixelFormatBGRX32:
		return "BGRX32"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3
	case PixelFormatNV12:
		return 2
	case PixelFormatRGB24, PixelFormatRGBA32, PixelFormatBGRA32, PixelFormatRGBX32, PixelFormatBGRX32:
		return 1
	default:
		return 0
	}
}

// BytesPerPixel returns the pixel size of packed formats, 0 for planar ones.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatRGB24:
		return 3
	case PixelFormatRGBA32, PixelFormatBGRA32, PixelFormatRGBX32, PixelFormatBGRX32:
		return 4
	default:
		return 0
	}
}

// Packed reports whether the format stores whole pixels in a single plane.
func (p PixelFormat) Packed() bool { return p.BytesPerPixel() > 0 }

// channelOffsets returns the byte offsets of R, G and B within a packed pixel.
func (p PixelFormat) channelOffsets() (r, g, b int) {
	switch p {
	case PixelFormatBGRA32, PixelFormatBGRX32:
		return 2, 1, 0
	default:
		return 0, 1, 2
	}
}

// AudioFormat represents audio sample formats.
type AudioFormat int

const (
	AudioFormatS16 AudioFormat = iota // Signed 16-bit little-endian PCM
	AudioFormatF32                    // 32-bit float
)

func (a AudioFormat) String() string {
	switch a {
	case AudioFormatS16:
		return "S16"
	case AudioFormatF32:
		return "F32"
	default:
		return "Unknown"
	}
}

// BytesPerSample returns the number of bytes per sample for this format.
func (a AudioFormat) BytesPerSample() int {
	switch a {
	case AudioFormatS16:
		return 2
	case AudioFormatF32:
		return 4
	default:
		return 0
	}
}

// VideoFrame is a CPU-mapped raw image.
// Data may alias memory owned by the source; Clone before keeping it past the callback.
type VideoFrame struct {
	Data   [][]byte    // Plane data (1-3 planes depending on format)
	Stride []int       // Stride for each plane in bytes
	Width  int         // Frame width in pixels
	Height int         // Frame height in pixels
	Format PixelFormat // Pixel format
}

// Clone creates a deep copy of the video frame.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:   make([][]byte, len(f.Data)),
		Stride: make([]int, len(f.Stride)),
		Width:  f.Width,
		Height: f.Height,
		Format: f.Format,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// NewI420Frame allocates a tightly packed I420 frame.
func NewI420Frame(width, height int) *VideoFrame {
	cw, ch := (width+1)/2, (height+1)/2
	return &VideoFrame{
		Data:   [][]byte{make([]byte, width*height), make([]byte, cw*ch), make([]byte, cw*ch)},
		Stride: []int{width, cw, cw},
		Width:  width,
		Height: height,
		Format: PixelFormatI420,
	}
}

// NewPackedFrame allocates a single-plane frame of a packed format.
func NewPackedFrame(width, height int, format PixelFormat) *VideoFrame {
	stride := width * format.BytesPerPixel()
	return &VideoFrame{
		Data:   [][]byte{make([]byte, stride*height)},
		Stride: []int{stride},
		Width:  width,
		Height: height,
		Format: format,
	}
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + 2*cw*ch
}

// DMABufPlane describes one plane of a GPU buffer.
type DMABufPlane struct {
	Fd     int
	Offset uint32
	Stride uint32
}

// DMABuf describes a GPU buffer shared by the compositor.
type DMABuf struct {
	Width    int
	Height   int
	Fourcc   uint32 // DRM fourcc
	Modifier uint64 // DRM format modifier
	Planes   []DMABufPlane
}

// CursorSnapshot is the cursor metadata attached to a source buffer.
type CursorSnapshot struct {
	Texture  *image.RGBA  // Cursor bitmap (premultiplied alpha); only read when Dirty
	Position *image.Point // Pointer position in frame coordinates; nil when hidden
	Hotspot  image.Point  // Offset of the pointer tip within Texture
	Dirty    bool         // Texture changed since the previous snapshot
}

// Frame is one buffer delivered by a FrameSource.
// A frame with neither Image nor DMABuf is a cursor-only update.
type Frame struct {
	Image  *VideoFrame
	DMABuf *DMABuf
	Cursor *CursorSnapshot

	PTS    time.Duration // Presentation timestamp, valid when HasPTS is set
	HasPTS bool
}

// WithPTS returns a copy of f stamped with pts.
func (f Frame) WithPTS(pts time.Duration) Frame {
	f.PTS = pts
	f.HasPTS = true
	return f
}

// cursorOnly reports whether f carries no picture.
func (f *Frame) cursorOnly() bool {
	return f.Image == nil && f.DMABuf == nil
}

// AudioSamples represents raw audio samples.
type AudioSamples struct {
	Data        []byte      // Interleaved sample data
	SampleRate  int         // Sample rate (e.g., 48000)
	Channels    int         // Number of channels (1 = mono, 2 = stereo)
	SampleCount int         // Number of samples per channel
	Format      AudioFormat // Sample format
	Timestamp   int64       // Capture timestamp in nanoseconds
}

// Clone creates a deep copy of the audio samples.
func (s *AudioSamples) Clone() *AudioSamples {
	clone := *s
	if s.Data != nil {
		clone.Data = make([]byte, len(s.Data))
		copy(clone.Data, s.Data)
	}
	return &clone
}

// Duration returns the playback length of the samples.
func (s *AudioSamples) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.SampleCount) * time.Second / time.Duration(s.SampleRate)
}

// FrameType indicates whether a frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // I-frame, can be decoded independently
	FrameTypeDelta             // P/B-frame, requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// PacketKind tells video packets from audio packets.
type PacketKind int

const (
	PacketVideo PacketKind = iota
	PacketAudio
)

func (k PacketKind) String() string {
	if k == PacketAudio {
		return "audio"
	}
	return "video"
}

// Packet is one unit of encoder output.
// Timestamps are in milliseconds on the stream clock.
type Packet struct {
	Kind       PacketKind
	VideoCodec VideoCodec // Set for video packets
	AudioCodec AudioCodec // Set for audio packets
	Data       []byte
	PTS        int64
	DTS        int64
	Duration   time.Duration
	FrameType  FrameType
}

// IsKeyframe returns true if this packet starts a keyframe.
func (p *Packet) IsKeyframe() bool {
	return p.FrameType == FrameTypeKey
}
