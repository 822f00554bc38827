package produce

import "fmt"

// ScaleMode defines how scaling should handle aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeFit scales to fit within target dimensions, preserving aspect ratio (letterboxed).
	ScaleModeFit ScaleMode = iota
	// ScaleModeFill scales to fill target dimensions, preserving aspect ratio (may crop).
	ScaleModeFill
	// ScaleModeStretch scales to exactly match target dimensions (may distort).
	ScaleModeStretch
)

func (m ScaleMode) String() string {
	switch m {
	case ScaleModeFit:
		return "fit"
	case ScaleModeFill:
		return "fill"
	case ScaleModeStretch:
		return "stretch"
	default:
		return "unknown"
	}
}

// ParseScaleMode maps "fit", "fill" or "stretch" to a ScaleMode. Empty means fit.
func ParseScaleMode(s string) (ScaleMode, error) {
	switch s {
	case "", "fit":
		return ScaleModeFit, nil
	case "fill":
		return ScaleModeFill, nil
	case "stretch":
		return ScaleModeStretch, nil
	}
	return ScaleModeFit, fmt.Errorf("unknown scale mode %q", s)
}

// VideoScaler scales I420 video frames.
// Every call returns a freshly allocated frame, so results may be queued.
type VideoScaler struct {
	dstWidth, dstHeight int
	mode                ScaleMode
}

// NewVideoScaler creates a scaler producing dstWidth x dstHeight frames.
func NewVideoScaler(dstWidth, dstHeight int, mode ScaleMode) *VideoScaler {
	return &VideoScaler{dstWidth: dstWidth, dstHeight: dstHeight, mode: mode}
}

// Scale scales an I420 frame to the target dimensions.
func (s *VideoScaler) Scale(frame *VideoFrame) *VideoFrame {
	if frame.Width == s.dstWidth && frame.Height == s.dstHeight {
		return frame
	}

	out := NewI420Frame(s.dstWidth, s.dstHeight)
	srcX, srcY, srcW, srcH := s.sourceRegion(frame.Width, frame.Height)
	dstX, dstY, dstW, dstH := s.destRegion(frame.Width, frame.Height)
	if dstW != s.dstWidth || dstH != s.dstHeight {
		fillI420(out, 16, 128, 128)
	}

	s.scalePlane(frame.Data[0], frame.Stride[0], srcX, srcY, srcW, srcH,
		out.Data[0], out.Stride[0], dstX, dstY, dstW, dstH)
	s.scalePlane(frame.Data[1], frame.Stride[1], srcX/2, srcY/2, (srcW+1)/2, (srcH+1)/2,
		out.Data[1], out.Stride[1], dstX/2, dstY/2, (dstW+1)/2, (dstH+1)/2)
	s.scalePlane(frame.Data[2], frame.Stride[2], srcX/2, srcY/2, (srcW+1)/2, (srcH+1)/2,
		out.Data[2], out.Stride[2], dstX/2, dstY/2, (dstW+1)/2, (dstH+1)/2)
	return out
}

// sourceRegion determines what region of the source to use based on scale mode.
func (s *VideoScaler) sourceRegion(srcW, srcH int) (x, y, w, h int) {
	if s.mode != ScaleModeFill {
		return 0, 0, srcW, srcH
	}
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(s.dstWidth) / float64(s.dstHeight)
	if srcAspect > dstAspect {
		// Source is wider, crop horizontally
		newW := int(float64(srcH) * dstAspect)
		return ((srcW - newW) / 2) &^ 1, 0, newW, srcH
	} else if srcAspect < dstAspect {
		// Source is taller, crop vertically
		newH := int(float64(srcW) / dstAspect)
		return 0, ((srcH - newH) / 2) &^ 1, srcW, newH
	}
	return 0, 0, srcW, srcH
}

// destRegion determines where in the output the picture lands.
func (s *VideoScaler) destRegion(srcW, srcH int) (x, y, w, h int) {
	if s.mode != ScaleModeFit {
		return 0, 0, s.dstWidth, s.dstHeight
	}
	w, h = CalculateScaledSize(srcW, srcH, s.dstWidth, s.dstHeight, ScaleModeFit)
	if w > s.dstWidth {
		w = s.dstWidth
	}
	if h > s.dstHeight {
		h = s.dstHeight
	}
	return ((s.dstWidth - w) / 2) &^ 1, ((s.dstHeight - h) / 2) &^ 1, w, h
}

// scalePlane scales a single plane using bilinear interpolation.
func (s *VideoScaler) scalePlane(src []byte, srcStride, srcX, srcY, srcW, srcH int,
	dst []byte, dstStride, dstX, dstY, dstW, dstH int) {

	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	// Fixed-point scaling factors (16.16)
	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		y0 := srcYFP>>16 + srcY
		y1 := y0 + 1
		if y1 >= srcY+srcH {
			y1 = y0
		}
		yWeight := srcYFP & 0xFFFF
		row := (dstY+y)*dstStride + dstX

		for x := 0; x < dstW; x++ {
			srcXFP := x * xRatio
			x0 := srcXFP>>16 + srcX
			x1 := x0 + 1
			if x1 >= srcX+srcW {
				x1 = x0
			}
			xWeight := srcXFP & 0xFFFF

			p00 := int(src[y0*srcStride+x0])
			p10 := int(src[y0*srcStride+x1])
			p01 := int(src[y1*srcStride+x0])
			p11 := int(src[y1*srcStride+x1])

			top := (p00*(0x10000-xWeight) + p10*xWeight) >> 16
			bottom := (p01*(0x10000-xWeight) + p11*xWeight) >> 16
			dst[row+x] = byte((top*(0x10000-yWeight) + bottom*yWeight) >> 16)
		}
	}
}

// ScaleFrame is a convenience function to scale a frame without creating a scaler.
func ScaleFrame(frame *VideoFrame, dstWidth, dstHeight int, mode ScaleMode) *VideoFrame {
	return NewVideoScaler(dstWidth, dstHeight, mode).Scale(frame)
}

// CalculateScaledSize returns the output dimensions when scaling with a given mode.
func CalculateScaledSize(srcW, srcH, maxW, maxH int, mode ScaleMode) (w, h int) {
	if mode != ScaleModeFit {
		return maxW, maxH
	}
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(maxW) / float64(maxH)
	if srcAspect > dstAspect {
		w = maxW
		h = int(float64(maxW) / srcAspect)
	} else {
		h = maxH
		w = int(float64(maxH) * srcAspect)
	}
	// Ensure even dimensions for YUV
	return (w + 1) &^ 1, (h + 1) &^ 1
}

// ConvertToI420 converts a CPU frame to a newly allocated I420 frame.
// I420 input is copied so the result never aliases source memory.
func ConvertToI420(f *VideoFrame) (*VideoFrame, error) {
	switch {
	case f.Format == PixelFormatI420:
		return f.Clone(), nil
	case f.Format == PixelFormatNV12:
		return nv12ToI420(f), nil
	case f.Format.Packed():
		return packedToI420(f), nil
	default:
		return nil, fmt.Errorf("%w: convert %s to I420", ErrNotSupported, f.Format)
	}
}

func packedToI420(f *VideoFrame) *VideoFrame {
	out := NewI420Frame(f.Width, f.Height)
	bpp := f.Format.BytesPerPixel()
	ro, gofs, bo := f.Format.channelOffsets()
	src, stride := f.Data[0], f.Stride[0]

	for y := 0; y < f.Height; y++ {
		row := src[y*stride:]
		yRow := out.Data[0][y*out.Stride[0]:]
		for x := 0; x < f.Width; x++ {
			p := row[x*bpp:]
			yRow[x] = lumaBT601(p[ro], p[gofs], p[bo])
		}
	}

	// Chroma from the average of each 2x2 block
	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	for cy := 0; cy < ch; cy++ {
		for cx := 0; cx < cw; cx++ {
			var r, g, b, n int
			for dy := 0; dy < 2; dy++ {
				y := cy*2 + dy
				if y >= f.Height {
					break
				}
				for dx := 0; dx < 2; dx++ {
					x := cx*2 + dx
					if x >= f.Width {
						break
					}
					p := src[y*stride+x*bpp:]
					r += int(p[ro])
					g += int(p[gofs])
					b += int(p[bo])
					n++
				}
			}
			u, v := chromaBT601(uint8(r/n), uint8(g/n), uint8(b/n))
			out.Data[1][cy*out.Stride[1]+cx] = u
			out.Data[2][cy*out.Stride[2]+cx] = v
		}
	}
	return out
}

func nv12ToI420(f *VideoFrame) *VideoFrame {
	out := NewI420Frame(f.Width, f.Height)
	for y := 0; y < f.Height; y++ {
		copy(out.Data[0][y*out.Stride[0]:y*out.Stride[0]+f.Width], f.Data[0][y*f.Stride[0]:])
	}
	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	for y := 0; y < ch; y++ {
		uv := f.Data[1][y*f.Stride[1]:]
		for x := 0; x < cw; x++ {
			out.Data[1][y*out.Stride[1]+x] = uv[2*x]
			out.Data[2][y*out.Stride[2]+x] = uv[2*x+1]
		}
	}
	return out
}

func fillI420(f *VideoFrame, y, u, v byte) {
	for i := range f.Data[0] {
		f.Data[0][i] = y
	}
	for i := range f.Data[1] {
		f.Data[1][i] = u
		f.Data[2][i] = v
	}
}

// rgbToYUV converts RGB to studio-range YUV (BT.601).
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	u, v = chromaBT601(r, g, b)
	return lumaBT601(r, g, b), u, v
}

func lumaBT601(r, g, b uint8) uint8 {
	return uint8((66*int(r)+129*int(g)+25*int(b)+128)>>8 + 16)
}

func chromaBT601(r, g, b uint8) (u, v uint8) {
	u = uint8((-38*int(r)-74*int(g)+112*int(b)+128)>>8 + 128)
	v = uint8((112*int(r)-94*int(g)-18*int(b)+128)>>8 + 128)
	return u, v
}
