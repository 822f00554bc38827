package produce

import (
	"image"
)

// CursorOverlay is a prepared cursor bitmap placed at its top-left corner
// (pointer position minus hotspot) in frame coordinates.
type CursorOverlay struct {
	Image    *image.RGBA // Premultiplied alpha
	Position image.Point
}

// cursorState caches the latest cursor texture and placement.
// It is only touched under the producer's arrival lock.
type cursorState struct {
	texture  *image.RGBA
	position *image.Point
	hotspot  image.Point

	// preparations counts texture copies, one per dirty snapshot.
	preparations int
}

// update folds a snapshot into the cached state. The texture is copied only
// when the snapshot is dirty; a clean snapshot reuses the cached bitmap.
func (c *cursorState) update(s *CursorSnapshot) {
	if s == nil {
		return
	}
	if s.Position != nil {
		p := *s.Position
		c.position = &p
	} else {
		c.position = nil
	}
	c.hotspot = s.Hotspot
	if s.Dirty && s.Texture != nil {
		tex := image.NewRGBA(image.Rect(0, 0, s.Texture.Bounds().Dx(), s.Texture.Bounds().Dy()))
		b := s.Texture.Bounds()
		for y := 0; y < b.Dy(); y++ {
			copy(tex.Pix[y*tex.Stride:y*tex.Stride+4*b.Dx()], s.Texture.Pix[s.Texture.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		c.texture = tex
		c.preparations++
	}
}

// overlay returns the cursor to draw, or nil when the pointer is hidden or
// no texture has been seen yet.
func (c *cursorState) overlay() *CursorOverlay {
	if c.position == nil || c.texture == nil {
		return nil
	}
	return &CursorOverlay{Image: c.texture, Position: c.position.Sub(c.hotspot)}
}

// compositeCursor alpha-blends o onto f in place, clipped to the frame.
func compositeCursor(f *VideoFrame, o *CursorOverlay) {
	if f == nil || o == nil || o.Image == nil {
		return
	}
	b := o.Image.Bounds()
	x0, y0 := max(o.Position.X, 0), max(o.Position.Y, 0)
	x1, y1 := min(o.Position.X+b.Dx(), f.Width), min(o.Position.Y+b.Dy(), f.Height)
	if x0 >= x1 || y0 >= y1 {
		return
	}

	switch {
	case f.Format.Packed():
		blendPacked(f, o, x0, y0, x1, y1)
	case f.Format == PixelFormatI420 || f.Format == PixelFormatNV12:
		blendYUV(f, o, x0, y0, x1, y1)
	}
}

func blendPacked(f *VideoFrame, o *CursorOverlay, x0, y0, x1, y1 int) {
	bpp := f.Format.BytesPerPixel()
	ro, gofs, bo := f.Format.channelOffsets()
	hasAlpha := f.Format == PixelFormatRGBA32 || f.Format == PixelFormatBGRA32
	img := o.Image

	for y := y0; y < y1; y++ {
		row := f.Data[0][y*f.Stride[0]:]
		for x := x0; x < x1; x++ {
			s := img.Pix[img.PixOffset(x-o.Position.X, y-o.Position.Y):]
			a := int(s[3])
			if a == 0 {
				continue
			}
			inv := 255 - a
			d := row[x*bpp:]
			d[ro] = byte(int(s[0]) + (int(d[ro])*inv+127)/255)
			d[gofs] = byte(int(s[1]) + (int(d[gofs])*inv+127)/255)
			d[bo] = byte(int(s[2]) + (int(d[bo])*inv+127)/255)
			if hasAlpha {
				d[3] = byte(a + (int(d[3])*inv+127)/255)
			}
		}
	}
}

func blendYUV(f *VideoFrame, o *CursorOverlay, x0, y0, x1, y1 int) {
	img := o.Image
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			s := img.Pix[img.PixOffset(x-o.Position.X, y-o.Position.Y):]
			a := int(s[3])
			if a == 0 {
				continue
			}
			r, g, b := unpremultiply(s[0], a), unpremultiply(s[1], a), unpremultiply(s[2], a)
			cy, cu, cv := rgbToYUV(r, g, b)

			yi := y*f.Stride[0] + x
			f.Data[0][yi] = mix(f.Data[0][yi], cy, a)

			if x%2 != 0 || y%2 != 0 {
				continue
			}
			if f.Format == PixelFormatNV12 {
				ui := (y/2)*f.Stride[1] + x
				f.Data[1][ui] = mix(f.Data[1][ui], cu, a)
				f.Data[1][ui+1] = mix(f.Data[1][ui+1], cv, a)
			} else {
				ci := (y/2)*f.Stride[1] + x/2
				f.Data[1][ci] = mix(f.Data[1][ci], cu, a)
				ci = (y/2)*f.Stride[2] + x/2
				f.Data[2][ci] = mix(f.Data[2][ci], cv, a)
			}
		}
	}
}

func unpremultiply(c uint8, a int) uint8 {
	v := int(c) * 255 / a
	if v > 255 {
		v = 255
	}
	return uint8(v)
}

func mix(dst, src uint8, a int) uint8 {
	return uint8((int(src)*a + int(dst)*(255-a) + 127) / 255)
}
