//go:build linux

// GPU conversion and H.264 encoding through libstream_hwaccel (VA-API),
// loaded at runtime with purego.
//
// The library imports DMA-BUF buffers zero-copy, converts and scales them to
// NV12 surfaces, optionally blending a cursor overlay, and encodes surfaces
// with the VA-API H.264 encoder. Surfaces stay on the GPU between the filter
// and the encoder.

package produce

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

var (
	hwaccelOnce    sync.Once
	hwaccelHandle  uintptr
	hwaccelInitErr error

	hwDeviceOnce sync.Once
	hwDevice     uint64
	hwDeviceErr  error
)

// libstream_hwaccel function pointers
var (
	hwaccelDeviceOpen      func(path string) uint64
	hwaccelDeviceClose     func(dev uint64)
	hwaccelFormatSupported func(dev uint64, fourcc uint32, modifier uint64) int32

	hwaccelFilterCreate        func(dev uint64, srcWidth, srcHeight int32, fourcc uint32, dstWidth, dstHeight int32) uint64
	hwaccelFilterProcessDMABuf func(filter uint64, fds, offsets, strides uintptr, planes int32, modifier uint64, cursor uintptr, cursorW, cursorH, cursorStride, cursorX, cursorY int32) uint64
	hwaccelFilterProcessCPU    func(filter uint64, data uintptr, stride int32) uint64
	hwaccelFilterDestroy       func(filter uint64)

	hwaccelSurfaceDownload func(dev, surface uint64, yPlane, uvPlane uintptr, yStride, uvStride int32) int32
	hwaccelSurfaceRelease  func(dev, surface uint64)

	hwaccelH264Create        func(dev uint64, width, height, fps, bitrateKbps, profile int32) uint64
	hwaccelH264EncodeSurface func(enc, surface uint64, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType uintptr) int32
	hwaccelH264EncodeI420    func(enc uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType uintptr) int32
	hwaccelH264Flush         func(enc uint64, outData uintptr, outCapacity int32, outFrameType uintptr) int32
	hwaccelH264GetSPSPPS     func(enc uint64, spsOut uintptr, spsCapacity int32, spsLen uintptr, ppsOut uintptr, ppsCapacity int32, ppsLen uintptr) int32
	hwaccelH264SetBitrate    func(enc uint64, bitrateKbps int32) int32
	hwaccelH264Destroy       func(enc uint64)

	hwaccelGetError func() uintptr
)

const (
	hwaccelOK       = 0
	hwaccelFrameIDR = 1

	defaultRenderNode = "/dev/dri/renderD128"
)

func loadHWAccel() error {
	hwaccelOnce.Do(func() {
		hwaccelHandle, hwaccelInitErr = dlopenFirst("libstream_hwaccel",
			nativeLibPaths("stream_hwaccel", "STREAM_HWACCEL_LIB_PATH"),
			func(h uintptr) error {
				return registerSymbols(h, map[string]any{
					"stream_hwaccel_device_open":           &hwaccelDeviceOpen,
					"stream_hwaccel_device_close":          &hwaccelDeviceClose,
					"stream_hwaccel_format_supported":      &hwaccelFormatSupported,
					"stream_hwaccel_filter_create":         &hwaccelFilterCreate,
					"stream_hwaccel_filter_process_dmabuf": &hwaccelFilterProcessDMABuf,
					"stream_hwaccel_filter_process_cpu":    &hwaccelFilterProcessCPU,
					"stream_hwaccel_filter_destroy":        &hwaccelFilterDestroy,
					"stream_hwaccel_surface_download":      &hwaccelSurfaceDownload,
					"stream_hwaccel_surface_release":       &hwaccelSurfaceRelease,
					"stream_hwaccel_h264_create":           &hwaccelH264Create,
					"stream_hwaccel_h264_encode_surface":   &hwaccelH264EncodeSurface,
					"stream_hwaccel_h264_encode_i420":      &hwaccelH264EncodeI420,
					"stream_hwaccel_h264_flush":            &hwaccelH264Flush,
					"stream_hwaccel_h264_get_sps_pps":      &hwaccelH264GetSPSPPS,
					"stream_hwaccel_h264_set_bitrate":      &hwaccelH264SetBitrate,
					"stream_hwaccel_h264_destroy":          &hwaccelH264Destroy,
					"stream_hwaccel_get_error":             &hwaccelGetError,
				})
			})
	})
	return hwaccelInitErr
}

// openHWDevice opens the process-wide render node. STREAM_HWACCEL_DEVICE
// overrides the default path.
func openHWDevice() (uint64, error) {
	hwDeviceOnce.Do(func() {
		if err := loadHWAccel(); err != nil {
			hwDeviceErr = err
			return
		}
		path := os.Getenv("STREAM_HWACCEL_DEVICE")
		if path == "" {
			path = defaultRenderNode
		}
		hwDevice = hwaccelDeviceOpen(path)
		if hwDevice == 0 {
			hwDeviceErr = fmt.Errorf("open %s: %s", path, getHWAccelError())
		}
	})
	return hwDevice, hwDeviceErr
}

// IsHardwareAccelAvailable reports whether the VA-API device opened.
func IsHardwareAccelAvailable() bool {
	_, err := openHWDevice()
	return err == nil
}

func getHWAccelError() string {
	ptr := hwaccelGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// hardwareFilter converts source pictures to NV12 surfaces on the GPU.
type hardwareFilter struct {
	dev    uint64
	handle uint64
	format SourceFormat
	width  int
	height int

	// download copies surfaces back to I420 for software encoders.
	download bool
}

// NewHardwareFilter is the VA-API FilterFactory.
func NewHardwareFilter(format SourceFormat, enc VideoEncoderConfig) (FilterGraph, error) {
	dev, err := openHWDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoHardwarePath, err)
	}

	fourcc := format.Fourcc
	if format.Memory == MemoryCPU {
		if !format.Format.Packed() {
			return nil, fmt.Errorf("%w: CPU upload of %s", ErrNoHardwarePath, format.Format)
		}
		fourcc = DRMFourcc(format.Format)
	}
	if fourcc == 0 {
		return nil, fmt.Errorf("%w: no fourcc for %s", ErrNoHardwarePath, format.Format)
	}
	// The GPU scaler stretches; letterboxing and cropping stay on the CPU.
	if enc.ScaleMode != ScaleModeStretch {
		w, h := CalculateScaledSize(format.Width, format.Height, enc.Width, enc.Height, ScaleModeFit)
		if w != enc.Width || h != enc.Height {
			return nil, fmt.Errorf("%w: %s scaling %dx%d into %dx%d", ErrNoHardwarePath, enc.ScaleMode, format.Width, format.Height, enc.Width, enc.Height)
		}
	}
	if hwaccelFormatSupported(dev, fourcc, format.Modifier) == 0 {
		return nil, fmt.Errorf("%w: fourcc %08x modifier %#x not importable", ErrNoHardwarePath, fourcc, format.Modifier)
	}

	handle := hwaccelFilterCreate(dev, int32(format.Width), int32(format.Height), fourcc, int32(enc.Width), int32(enc.Height))
	if handle == 0 {
		return nil, fmt.Errorf("create hardware filter: %s", getHWAccelError())
	}
	return &hardwareFilter{
		dev:      dev,
		handle:   handle,
		format:   format,
		width:    enc.Width,
		height:   enc.Height,
		download: !enc.Provider.Features().Has(FeatureZeroCopy),
	}, nil
}

func (f *hardwareFilter) Process(in FilterInput) (*EncodeInput, error) {
	var surface uint64
	switch {
	case in.DMABuf != nil:
		surface = f.processDMABuf(in.DMABuf, in.Cursor)
	case in.Image != nil && in.Image.Format.Packed():
		surface = hwaccelFilterProcessCPU(f.handle, uintptr(unsafe.Pointer(&in.Image.Data[0][0])), int32(in.Image.Stride[0]))
	default:
		return nil, fmt.Errorf("hardware filter: %w: input", ErrNotSupported)
	}
	if surface == 0 {
		return nil, fmt.Errorf("hardware filter: %s", getHWAccelError())
	}

	if f.download {
		defer hwaccelSurfaceRelease(f.dev, surface)
		nv12 := &VideoFrame{
			Data:   [][]byte{make([]byte, f.width*f.height), make([]byte, ((f.width+1)&^1)*((f.height+1)/2))},
			Stride: []int{f.width, (f.width + 1) &^ 1},
			Width:  f.width,
			Height: f.height,
			Format: PixelFormatNV12,
		}
		if hwaccelSurfaceDownload(f.dev, surface,
			uintptr(unsafe.Pointer(&nv12.Data[0][0])), uintptr(unsafe.Pointer(&nv12.Data[1][0])),
			int32(nv12.Stride[0]), int32(nv12.Stride[1])) != hwaccelOK {
			return nil, fmt.Errorf("download surface: %s", getHWAccelError())
		}
		return &EncodeInput{Frame: nv12ToI420(nv12)}, nil
	}

	dev := f.dev
	return &EncodeInput{
		Surface: &HardwareSurface{ID: surface, Width: f.width, Height: f.height},
		release: func() { hwaccelSurfaceRelease(dev, surface) },
	}, nil
}

func (f *hardwareFilter) processDMABuf(buf *DMABuf, cursor *CursorOverlay) uint64 {
	n := len(buf.Planes)
	if n == 0 || n > 4 {
		return 0
	}
	var fds [4]int32
	var offsets, strides [4]uint32
	for i, p := range buf.Planes {
		fds[i], offsets[i], strides[i] = int32(p.Fd), p.Offset, p.Stride
	}

	var cur uintptr
	var cw, ch, cs, cx, cy int32
	if cursor != nil && cursor.Image != nil && len(cursor.Image.Pix) > 0 {
		cur = uintptr(unsafe.Pointer(&cursor.Image.Pix[0]))
		cw, ch = int32(cursor.Image.Bounds().Dx()), int32(cursor.Image.Bounds().Dy())
		cs = int32(cursor.Image.Stride)
		cx, cy = int32(cursor.Position.X), int32(cursor.Position.Y)
	}
	return hwaccelFilterProcessDMABuf(f.handle,
		uintptr(unsafe.Pointer(&fds[0])), uintptr(unsafe.Pointer(&offsets[0])), uintptr(unsafe.Pointer(&strides[0])),
		int32(n), buf.Modifier, cur, cw, ch, cs, cx, cy)
}

func (f *hardwareFilter) Hardware() bool { return true }

func (f *hardwareFilter) Name() string {
	if f.download {
		return fmt.Sprintf("vaapi(nv12->i420 %dx%d)", f.width, f.height)
	}
	return fmt.Sprintf("vaapi(nv12 %dx%d)", f.width, f.height)
}

func (f *hardwareFilter) Close() error {
	if f.handle != 0 {
		hwaccelFilterDestroy(f.handle)
		f.handle = 0
	}
	return nil
}

// VAAPIEncoder implements VideoEncoder for H.264 on VA-API. It consumes GPU
// surfaces from the hardware filter, or I420 frames uploaded per call.
type VAAPIEncoder struct {
	config VideoEncoderConfig

	handle    uint64
	outputBuf []byte

	keyframeReq atomic.Bool
	mu          sync.Mutex

	sps []byte
	pps []byte

	// Flushed packets carry no timestamp of their own.
	lastPTS int64
	lastDur time.Duration
}

// NewVAAPIEncoder creates a VA-API H.264 encoder on the shared render node.
func NewVAAPIEncoder(config VideoEncoderConfig) (*VAAPIEncoder, error) {
	if config.Codec != VideoCodecH264 {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, config.Codec)
	}
	dev, err := openHWDevice()
	if err != nil {
		return nil, fmt.Errorf("VA-API encoder not available: %w", err)
	}
	fps := config.FPS
	if fps <= 0 {
		fps = 30
	}
	bitrateKbps := config.BitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1000
	}

	handle := hwaccelH264Create(dev, int32(config.Width), int32(config.Height), int32(fps), int32(bitrateKbps),
		hwaccelProfile(config.H264Profile))
	if handle == 0 {
		return nil, fmt.Errorf("failed to create VA-API encoder: %s", getHWAccelError())
	}

	config.Provider = ProviderVAAPI
	enc := &VAAPIEncoder{
		config:    config,
		handle:    handle,
		outputBuf: make([]byte, config.Width*config.Height*3/2+4096),
	}
	enc.keyframeReq.Store(true)

	spsOut := make([]byte, 256)
	ppsOut := make([]byte, 256)
	var spsLen, ppsLen int32
	if hwaccelH264GetSPSPPS(handle,
		uintptr(unsafe.Pointer(&spsOut[0])), 256, uintptr(unsafe.Pointer(&spsLen)),
		uintptr(unsafe.Pointer(&ppsOut[0])), 256, uintptr(unsafe.Pointer(&ppsLen))) == hwaccelOK {
		enc.sps = append([]byte(nil), spsOut[:spsLen]...)
		enc.pps = append([]byte(nil), ppsOut[:ppsLen]...)
	}
	return enc, nil
}

// hwaccelProfile maps a profile to its profile_idc.
func hwaccelProfile(p H264Profile) int32 {
	switch p {
	case H264ProfileMain:
		return 77
	case H264ProfileHigh:
		return 100
	default:
		return 66
	}
}

// ParameterSets implements ParameterSetProvider.
func (e *VAAPIEncoder) ParameterSets() (sps, pps []byte) { return e.sps, e.pps }

// Encode implements VideoEncoder. Output is Annex-B.
func (e *VAAPIEncoder) Encode(in *EncodeInput) ([]*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, fmt.Errorf("encoder not initialized")
	}
	force := int32(0)
	if e.keyframeReq.Swap(false) || in.ForceKeyframe {
		force = 1
	}

	var frameType int32
	var n int32
	switch {
	case in.Surface != nil:
		n = hwaccelH264EncodeSurface(e.handle, in.Surface.ID, force,
			uintptr(unsafe.Pointer(&e.outputBuf[0])), int32(len(e.outputBuf)), uintptr(unsafe.Pointer(&frameType)))
	case in.Frame != nil && in.Frame.Format == PixelFormatI420:
		f := in.Frame
		n = hwaccelH264EncodeI420(e.handle,
			uintptr(unsafe.Pointer(&f.Data[0][0])), uintptr(unsafe.Pointer(&f.Data[1][0])), uintptr(unsafe.Pointer(&f.Data[2][0])),
			int32(f.Stride[0]), int32(f.Stride[1]), force,
			uintptr(unsafe.Pointer(&e.outputBuf[0])), int32(len(e.outputBuf)), uintptr(unsafe.Pointer(&frameType)))
	default:
		return nil, errors.New("VA-API encoder needs a surface or an I420 frame")
	}
	if n < 0 {
		return nil, fmt.Errorf("encode failed: %s", getHWAccelError())
	}
	if n == 0 {
		return nil, nil
	}
	return []*Packet{e.packet(n, frameType, in.PTS, in.Duration)}, nil
}

func (e *VAAPIEncoder) packet(n, frameType int32, pts int64, dur time.Duration) *Packet {
	ft := FrameTypeDelta
	if frameType == hwaccelFrameIDR {
		ft = FrameTypeKey
	}
	e.lastPTS = pts
	if dur > 0 {
		e.lastDur = dur
	}
	return &Packet{
		Kind:       PacketVideo,
		VideoCodec: VideoCodecH264,
		Data:       append([]byte(nil), e.outputBuf[:n]...),
		PTS:        pts,
		DTS:        pts,
		Duration:   dur,
		FrameType:  ft,
	}
}

// frameDuration is the spacing of the last encoded frames, or one frame
// at the configured rate before any input carried a duration.
func (e *VAAPIEncoder) frameDuration() time.Duration {
	if e.lastDur > 0 {
		return e.lastDur
	}
	fps := e.config.FPS
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}

// Flush implements VideoEncoder. Drained packets continue the timeline
// one frame duration apart.
func (e *VAAPIEncoder) Flush() ([]*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return nil, nil
	}
	var out []*Packet
	for {
		var frameType int32
		n := hwaccelH264Flush(e.handle, uintptr(unsafe.Pointer(&e.outputBuf[0])), int32(len(e.outputBuf)), uintptr(unsafe.Pointer(&frameType)))
		if n < 0 {
			return out, fmt.Errorf("flush failed: %s", getHWAccelError())
		}
		if n == 0 {
			return out, nil
		}
		dur := e.frameDuration()
		out = append(out, e.packet(n, frameType, e.lastPTS+dur.Milliseconds(), dur))
	}
}

// RequestKeyframe implements VideoEncoder.
func (e *VAAPIEncoder) RequestKeyframe() { e.keyframeReq.Store(true) }

func (e *VAAPIEncoder) retarget(cfg VideoEncoderConfig) error {
	if e.handle == 0 {
		return fmt.Errorf("encoder not initialized")
	}
	bitrate := targetBitrate(cfg)
	if hwaccelH264SetBitrate(e.handle, int32(bitrate/1000)) != hwaccelOK {
		return fmt.Errorf("failed to set bitrate: %s", getHWAccelError())
	}
	cfg.BitrateBps = bitrate
	e.config = cfg
	return nil
}

// SetQuality implements QualityController.
func (e *VAAPIEncoder) SetQuality(quality *uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.config
	cfg.Quality = quality
	return e.retarget(cfg)
}

// SetEncodingPreference implements QualityController.
func (e *VAAPIEncoder) SetEncodingPreference(pref EncodingPreference) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.config
	cfg.Preference = pref
	return e.retarget(cfg)
}

// Provider implements VideoEncoder.
func (e *VAAPIEncoder) Provider() Provider { return ProviderVAAPI }

// Codec implements VideoEncoder.
func (e *VAAPIEncoder) Codec() VideoCodec { return VideoCodecH264 }

// Config implements VideoEncoder.
func (e *VAAPIEncoder) Config() VideoEncoderConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Close implements VideoEncoder.
func (e *VAAPIEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		hwaccelH264Destroy(e.handle)
		e.handle = 0
	}
	return nil
}

// defaultHardwareFilter is the hardware FilterFactory used when none is injected.
var defaultHardwareFilter FilterFactory = NewHardwareFilter

func init() {
	if !IsHardwareAccelAvailable() {
		return
	}
	setProviderAvailable(ProviderVAAPI)
	defaultRegistry.RegisterVideo(VideoCodecH264, ProviderVAAPI, func(config VideoEncoderConfig) (VideoEncoder, error) {
		return NewVAAPIEncoder(config)
	})
}
