// Package produce turns a live screen capture stream into encoded media.
//
// A Producer sits between a FrameSource (usually a compositor stream) and an
// OutputSink. It paces and admits frames, converts them to the encoder's
// input through a hardware or software filter graph, composites the cursor
// and hands the result to a VideoEncoder on its own worker. An optional
// AudioSource is encoded on an independent branch.
//
// # Architecture
//
//	FrameSource -> rate gate -> filter stage -> encode stage -> OutputSink
//	AudioSource -> AudioEncoder ------------------------------> OutputSink
//
// Each stage admits at most Config.MaxPendingFrames frames; anything beyond
// that is dropped rather than queued. When the source goes idle the last
// frame is repeated at Config.MinFramerate.
//
// # Sinks
//
// OpenSink picks a sink from a destination string: a file path, rtp://host:port
// or rtmp://host/app/stream. Files hold IVF, Annex-B H.264 or raw I420 video
// with the audio in a sibling .ogg, .alaw or .ulaw file.
// WebRTCSink feeds pion tracks for callers that own a PeerConnection.
//
// # Native Libraries
//
// Encoders load libmedia_vpx, libmedia_h264, libstream_opus and
// libstream_hwaccel through purego, so no cgo toolchain is needed. Set
// PRODUCE_LIB_PATH to the directory containing them, or the per-library
// *_LIB_PATH variables to full paths. PRODUCE_FORCE_ENCODER pins the encoder
// provider when the config leaves it on auto.
//
// # Build Tags
//
// Optional tags disable codecs: novpx, noopus, noh264.
package produce
