// Package raster converts decoded pixel data into the 1-bit, device-width
// bitmap rows the printer consumes, using ordered dithering so photographic
// content keeps its gradients on a bilevel output.
package raster

import (
	"errors"
	"image"
	"image/color"
)

// ErrInvalidImage is returned for input with a zero width or height.
var ErrInvalidImage = errors.New("image has zero width or height")

// PixelBuffer is a decoded grayscale image, one intensity byte per pixel in
// row-major order. It's the rasteriser's input: callers own it, the
// rasteriser only reads it.
type PixelBuffer struct {
	Width, Height int
	Pix           []byte
}

// NewPixelBuffer allocates an all-white buffer.
func NewPixelBuffer(width, height int) *PixelBuffer {
	pix := make([]byte, width*height)
	for i := range pix {
		pix[i] = 0xff
	}
	return &PixelBuffer{Width: width, Height: height, Pix: pix}
}

// FromImage converts any decoded image to a grayscale pixel buffer.
func FromImage(i image.Image) *PixelBuffer {
	b := i.Bounds()
	p := &PixelBuffer{
		Width:  b.Dx(),
		Height: b.Dy(),
		Pix:    make([]byte, b.Dx()*b.Dy()),
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.GrayModel.Convert(i.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			p.Pix[y*p.Width+x] = g.Y
		}
	}
	return p
}

func (p *PixelBuffer) ColorModel() color.Model { return color.GrayModel }

func (p *PixelBuffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.Width, p.Height)
}

func (p *PixelBuffer) At(x, y int) color.Color {
	return color.Gray{Y: p.Pix[y*p.Width+x]}
}

// Rotate returns the buffer rotated clockwise by 0, 90, 180 or 270 degrees.
func (p *PixelBuffer) Rotate(degrees int) (*PixelBuffer, error) {
	switch degrees {
	case 0:
		return p, nil
	case 90, 180, 270:
	default:
		return nil, errors.New("rotation must be 0, 90, 180 or 270 degrees")
	}

	w, h := p.Width, p.Height
	var out *PixelBuffer
	if degrees == 180 {
		out = &PixelBuffer{Width: w, Height: h, Pix: make([]byte, w*h)}
	} else {
		out = &PixelBuffer{Width: h, Height: w, Pix: make([]byte, w*h)}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := p.Pix[y*w+x]
			switch degrees {
			case 90:
				out.Pix[x*out.Width+(h-1-y)] = v
			case 180:
				out.Pix[(h-1-y)*w+(w-1-x)] = v
			case 270:
				out.Pix[(w-1-x)*out.Width+y] = v
			}
		}
	}
	return out, nil
}

// Adjust applies a brightness offset and a contrast factor to every pixel.
// Brightness is added directly; contrast scales the distance from mid-gray,
// with 0 meaning no change.
func (p *PixelBuffer) Adjust(brightness int, contrast float64) *PixelBuffer {
	if brightness == 0 && contrast == 0 {
		return p
	}
	out := &PixelBuffer{Width: p.Width, Height: p.Height, Pix: make([]byte, len(p.Pix))}
	factor := 1.0 + contrast/100.0
	for i, v := range p.Pix {
		adjusted := (float64(v)-128.0)*factor + 128.0 + float64(brightness)
		out.Pix[i] = clampByte(adjusted)
	}
	return out
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
