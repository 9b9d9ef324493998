package raster

import (
	"image"
	"image/color"

	"github.com/makeworld-the-better-one/dither/v2"
	"golang.org/x/image/draw"
)

// DeviceWidth is the ppa6 print head width in dots. (384px = 48mm at 203dpi)
const DeviceWidth = 384

// BitRow is one printed line, packed 8 dots per byte, most significant bit
// first. Bit 1 is a burned (black) dot.
type BitRow []byte

const bitsPerWord = 8

// Options control how a pixel buffer becomes device rows.
type Options struct {
	// DeviceWidth in dots; defaults to the ppa6 head width.
	DeviceWidth int
	// Dither enables ordered (Bayer) dithering. When disabled, pixels are
	// flat-thresholded instead, which only makes sense for input that is
	// already bilevel.
	Dither bool
	// Threshold is the white cutoff for the flat-threshold path, and for
	// classifying the dithered palette. Zero means 0x80.
	Threshold byte
	// Invert swaps burned and blank dots.
	Invert bool
}

// Rasterize converts a pixel buffer into a stream of device rows.
//
// Input wider than the device is scaled down to fit, preserving aspect ratio.
// Narrower input is padded with white on the right instead of being scaled
// up; the print head misbehaves on rows shorter than its full width, and
// upscaling small sources only smears them.
func Rasterize(p *PixelBuffer, opts Options) (*RowStream, error) {
	if p == nil || p.Width <= 0 || p.Height <= 0 {
		return nil, ErrInvalidImage
	}
	if opts.DeviceWidth == 0 {
		opts.DeviceWidth = DeviceWidth
	}
	if opts.Threshold == 0 {
		opts.Threshold = 0x80
	}

	gray := fitToWidth(p, opts.DeviceWidth)

	var paletted *image.Paletted
	if opts.Dither {
		d := dither.NewDitherer([]color.Color{color.Black, color.White})
		d.Mapper = dither.Bayer(8, 8, 1.0)
		paletted = d.DitherPaletted(gray)
	} else {
		paletted = thresholdPaletted(gray, opts.Threshold)
	}

	// The palette order is up to the ditherer, so resolve which index
	// actually maps to black.
	blackIndex := byte(0)
	if paletted.Palette.Index(color.Black) != 0 {
		blackIndex = 1
	}

	return &RowStream{
		img:        paletted,
		blackIndex: blackIndex,
		invert:     opts.Invert,
		stride:     (opts.DeviceWidth + bitsPerWord - 1) / bitsPerWord,
	}, nil
}

// fitToWidth produces a grayscale image exactly deviceWidth wide: wider
// sources are scaled down with Catmull-Rom, narrower ones padded with white.
func fitToWidth(p *PixelBuffer, deviceWidth int) *image.Gray {
	if p.Width <= deviceWidth {
		out := image.NewGray(image.Rect(0, 0, deviceWidth, p.Height))
		for i := range out.Pix {
			out.Pix[i] = 0xff
		}
		for y := 0; y < p.Height; y++ {
			copy(out.Pix[y*out.Stride:], p.Pix[y*p.Width:(y+1)*p.Width])
		}
		return out
	}

	scaledHeight := (p.Height*deviceWidth + p.Width - 1) / p.Width
	if scaledHeight < 1 {
		scaledHeight = 1
	}
	out := image.NewGray(image.Rect(0, 0, deviceWidth, scaledHeight))
	draw.CatmullRom.Scale(out, out.Bounds(), p, p.Bounds(), draw.Over, nil)
	return out
}

func thresholdPaletted(g *image.Gray, threshold byte) *image.Paletted {
	out := image.NewPaletted(g.Bounds(), color.Palette{color.Black, color.White})
	for y := 0; y < g.Bounds().Dy(); y++ {
		for x := 0; x < g.Bounds().Dx(); x++ {
			if g.GrayAt(x, y).Y >= threshold {
				out.SetColorIndex(x, y, 1)
			}
		}
	}
	return out
}

// RowStream yields packed rows one at a time, top to bottom, so the job
// driver can start transmitting before the whole job is materialised. It is
// finite and restartable; a single consumer at a time.
type RowStream struct {
	img        *image.Paletted
	blackIndex byte
	invert     bool
	stride     int
	y          int
}

// Stride is the packed row length in bytes.
func (s *RowStream) Stride() int { return s.stride }

// Height is the total number of rows the stream will yield.
func (s *RowStream) Height() int { return s.img.Rect.Dy() }

// Reset restarts the stream from the first row.
func (s *RowStream) Reset() { s.y = 0 }

// Next returns the next packed row, or false once the stream is exhausted.
func (s *RowStream) Next() (BitRow, bool) {
	if s.y >= s.img.Rect.Dy() {
		return nil, false
	}
	row := make(BitRow, s.stride)
	width := s.img.Rect.Dx()
	for x := 0; x < width; x++ {
		burn := s.img.ColorIndexAt(x, s.y) == s.blackIndex
		if s.invert {
			burn = !burn
		}
		if burn {
			row[x/bitsPerWord] |= 0x80 >> (x % bitsPerWord)
		}
	}
	s.y++
	return row, true
}
