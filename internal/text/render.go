package text

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"ppa6/internal/raster"
)

// Margin in pixels kept clear on the left and right of rendered text.
const margin = 4

func builtinFontData(name string) ([]byte, error) {
	switch name {
	case "gomono":
		return gomono.TTF, nil
	case "goregular", "":
		return goregular.TTF, nil
	default:
		return nil, fmt.Errorf(`Unrecognised font "%s"`, name)
	}
}

func loadFace(fontName string, size float64) (font.Face, error) {
	fontData, err := builtinFontData(fontName)
	if err != nil {
		return nil, err
	}
	parsedFont, err := opentype.Parse(fontData)
	if err != nil {
		return nil, fmt.Errorf("Couldn't parse font %s:\n%w", fontName, err)
	}

	face, err := opentype.NewFace(parsedFont, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("Couldn't create font face:\n%w", err)
	}
	return face, nil
}

func wrapLine(text string, maxWidth int, face font.Face) []string {
	var lines []string
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var line string
	for _, word := range words {
		testLine := line
		if len(line) > 0 {
			testLine += " "
		}
		testLine += word

		width := font.MeasureString(face, testLine).Ceil()
		if width > maxWidth && len(line) > 0 && maxWidth > 0 {
			lines = append(lines, line)
			line = word
		} else {
			line = testLine
		}
	}

	if len(line) > 0 {
		lines = append(lines, line)
	}
	return lines
}

// Render rasterises content into a grayscale strip as wide as the
// printable area, wrapping long lines at word boundaries. Newlines in
// content start new paragraphs.
func Render(content string, fontName string, size float64, width int) (*raster.PixelBuffer, error) {
	if width <= 0 {
		width = raster.DeviceWidth
	}
	if size <= 0 {
		size = 24
	}

	face, err := loadFace(fontName, size)
	if err != nil {
		return nil, err
	}
	defer face.Close()

	var lines []string
	for _, paragraph := range strings.Split(content, "\n") {
		lines = append(lines, wrapLine(paragraph, width-2*margin, face)...)
	}

	metrics := face.Metrics()
	lineHeight := metrics.Height.Ceil()
	height := lineHeight * len(lines)
	if height == 0 {
		return nil, fmt.Errorf("Nothing to render")
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}
	d.Dot = fixed.Point26_6{X: fixed.I(margin), Y: 0}
	for _, line := range lines {
		d.Dot.X = fixed.I(margin)
		d.Dot.Y += metrics.Ascent
		d.DrawString(line)
		d.Dot.Y += metrics.Descent
	}

	return raster.FromImage(img), nil
}
