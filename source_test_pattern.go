package produce

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// TestPatternConfig configures a test pattern source.
type TestPatternConfig struct {
	Width   int         // Frame width (default: 1280)
	Height  int         // Frame height (default: 720)
	FPS     int         // Frames per second (default: 30)
	Pattern PatternType // Pattern type (default: ColorBars)

	// For SolidColor pattern
	SolidR, SolidG, SolidB uint8

	// For Checkerboard pattern
	CheckerSize int // Size of each checker square (default: 32)

	// Cursor attaches a pointer that circles the frame.
	Cursor bool

	// StaticAfter stops delivering pictures after this many frames, like an
	// idle desktop. Cursor-only updates continue when Cursor is set. 0 = never.
	StaticAfter int
}

// DefaultTestPatternConfig returns a default test pattern configuration.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{
		Width:       1280,
		Height:      720,
		FPS:         30,
		Pattern:     PatternColorBars,
		CheckerSize: 32,
	}
}

// TestPatternSource is a FrameSource generating BGRX frames, the layout
// screen-capture compositors usually deliver.
type TestPatternSource struct {
	config TestPatternConfig

	frame         *VideoFrame
	frameDuration time.Duration
	frameCount    uint64
	cursorTex     *image.RGBA

	running atomic.Bool
	cancel  context.CancelFunc
	doneCh  chan struct{}

	mu sync.Mutex
}

// NewTestPatternSource creates a new test pattern video source.
func NewTestPatternSource(config TestPatternConfig) *TestPatternSource {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 720
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = 32
	}

	s := &TestPatternSource{
		config:        config,
		frame:         NewPackedFrame(config.Width, config.Height, PixelFormatBGRX32),
		frameDuration: time.Second / time.Duration(config.FPS),
		cursorTex:     arrowCursor(),
	}
	s.generatePattern(0)
	return s
}

// Negotiate implements FrameSource.
func (s *TestPatternSource) Negotiate(ctx context.Context) (SourceFormat, error) {
	if err := ctx.Err(); err != nil {
		return SourceFormat{}, err
	}
	return SourceFormat{
		Width:     s.config.Width,
		Height:    s.config.Height,
		Format:    PixelFormatBGRX32,
		Memory:    MemoryCPU,
		Framerate: Fraction{Num: uint32(s.config.FPS), Den: 1},
	}, nil
}

// Start implements FrameSource.
func (s *TestPatternSource) Start(ctx context.Context, h FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return fmt.Errorf("source already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	s.running.Store(true)
	s.frameCount = 0

	h.StateChanged(SourceStateStreaming)
	go s.generateLoop(ctx, h)
	return nil
}

// Stop implements FrameSource. It waits for the generator goroutine to exit.
func (s *TestPatternSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	<-s.doneCh
	return nil
}

// Close implements FrameSource.
func (s *TestPatternSource) Close() error {
	return s.Stop()
}

func (s *TestPatternSource) generateLoop(ctx context.Context, h FrameHandler) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.frameDuration)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.frameCount++
			static := s.config.StaticAfter > 0 && s.frameCount > uint64(s.config.StaticAfter)
			if static && !s.config.Cursor {
				continue
			}

			f := Frame{}.WithPTS(time.Since(start))
			if !static {
				if s.config.Pattern == PatternMovingBox {
					s.generatePattern(s.frameCount)
				}
				f.Image = s.frame
			}
			if s.config.Cursor {
				f.Cursor = s.cursorSnapshot()
			}
			h.ProcessFrame(f)
		}
	}
}

// cursorSnapshot places the pointer on a circle around the frame centre.
// The texture is only sent with the first snapshot.
func (s *TestPatternSource) cursorSnapshot() *CursorSnapshot {
	w, h := s.config.Width, s.config.Height
	step := int(s.frameCount % 64)
	pos := image.Point{
		X: w/2 + (w/4)*cosTable[step]/1024,
		Y: h/2 + (h/4)*cosTable[(step+48)%64]/1024,
	}
	snap := &CursorSnapshot{Position: &pos, Hotspot: image.Point{X: 1, Y: 1}}
	if s.frameCount == 1 {
		snap.Texture = s.cursorTex
		snap.Dirty = true
	}
	return snap
}

// cosTable holds cos(2*pi*i/64) scaled by 1024.
var cosTable = func() [64]int {
	var t [64]int
	// Quarter wave, mirrored into the other three quadrants.
	q := [17]int{1024, 1019, 1004, 980, 946, 903, 851, 792, 724, 650, 569, 483, 392, 297, 200, 100, 0}
	for i := 0; i < 64; i++ {
		switch {
		case i <= 16:
			t[i] = q[i]
		case i <= 32:
			t[i] = -q[32-i]
		case i <= 48:
			t[i] = -q[i-32]
		default:
			t[i] = q[64-i]
		}
	}
	return t
}()

// arrowCursor draws a small opaque white arrow with a black outline.
func arrowCursor() *image.RGBA {
	const size = 16
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x <= y && x < size; x++ {
			o := img.PixOffset(x, y)
			c := byte(255)
			if x == 0 || x == y || y == size-1 {
				c = 0
			}
			img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = c, c, c, 255
		}
	}
	return img
}

func (s *TestPatternSource) generatePattern(frameNum uint64) {
	switch s.config.Pattern {
	case PatternGradient:
		s.generateGradient()
	case PatternCheckerboard:
		s.generateCheckerboard()
	case PatternSolidColor:
		s.fill(0, 0, s.config.Width, s.config.Height, s.config.SolidR, s.config.SolidG, s.config.SolidB)
	case PatternMovingBox:
		s.generateMovingBox(frameNum)
	default:
		s.generateColorBars()
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (s *TestPatternSource) generateColorBars() {
	w, h := s.config.Width, s.config.Height
	barWidth := max(w/8, 1)
	for i, c := range colorBarsRGB {
		x1 := (i + 1) * barWidth
		if i == len(colorBarsRGB)-1 {
			x1 = w
		}
		s.fill(i*barWidth, 0, x1, h, c[0], c[1], c[2])
	}
}

func (s *TestPatternSource) generateGradient() {
	w, h := s.config.Width, s.config.Height
	for x := 0; x < w; x++ {
		v := uint8(x * 255 / max(w-1, 1))
		s.fill(x, 0, x+1, h, v, v, v)
	}
}

func (s *TestPatternSource) generateCheckerboard() {
	w, h := s.config.Width, s.config.Height
	size := s.config.CheckerSize
	for y := 0; y < h; y += size {
		for x := 0; x < w; x += size {
			v := uint8(0)
			if (x/size+y/size)%2 == 0 {
				v = 235
			}
			s.fill(x, y, min(x+size, w), min(y+size, h), v, v, v)
		}
	}
}

func (s *TestPatternSource) generateMovingBox(frameNum uint64) {
	w, h := s.config.Width, s.config.Height
	s.fill(0, 0, w, h, 32, 32, 32)

	boxSize := max(min(w, h)/8, 2)
	travel := max(w-boxSize, 1)
	pos := int(frameNum*4) % (2 * travel)
	if pos > travel {
		pos = 2*travel - pos
	}
	y := (h - boxSize) / 2
	s.fill(pos, y, pos+boxSize, y+boxSize, 235, 64, 64)
}

// fill paints the rectangle [x0,x1)x[y0,y1) of the BGRX frame.
func (s *TestPatternSource) fill(x0, y0, x1, y1 int, r, g, b uint8) {
	f := s.frame
	for y := y0; y < y1; y++ {
		row := f.Data[0][y*f.Stride[0]:]
		for x := x0; x < x1; x++ {
			p := row[x*4:]
			p[0], p[1], p[2], p[3] = b, g, r, 255
		}
	}
}

func init() {
	RegisterFrameSource("testpattern", func(width, height int, rate Fraction) (FrameSource, error) {
		cfg := DefaultTestPatternConfig()
		cfg.Width, cfg.Height = width, height
		if fps := int(rate.Float() + 0.5); fps > 0 {
			cfg.FPS = fps
		}
		cfg.Pattern = PatternMovingBox
		cfg.Cursor = true
		return NewTestPatternSource(cfg), nil
	})
}
