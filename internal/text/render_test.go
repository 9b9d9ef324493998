package text

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppa6/internal/raster"
)

func TestRenderProducesDeviceWidthStrip(t *testing.T) {
	buf, err := Render("hello, printer", "goregular", 24, 0)
	require.NoError(t, err)

	assert.Equal(t, raster.DeviceWidth, buf.Width)
	assert.Greater(t, buf.Height, 0)

	// Some pixels must actually have been inked.
	inked := 0
	for _, p := range buf.Pix {
		if p < 0x80 {
			inked++
		}
	}
	assert.Greater(t, inked, 0)
}

func TestRenderWrapsLongLines(t *testing.T) {
	short, err := Render("word", "goregular", 24, 384)
	require.NoError(t, err)
	long, err := Render("word word word word word word word word word word", "goregular", 24, 384)
	require.NoError(t, err)

	assert.Greater(t, long.Height, short.Height)
}

func TestRenderSplitsParagraphs(t *testing.T) {
	one, err := Render("a", "gomono", 24, 384)
	require.NoError(t, err)
	two, err := Render("a\nb", "gomono", 24, 384)
	require.NoError(t, err)

	assert.Equal(t, one.Height*2, two.Height)
}

func TestRenderRejectsUnknownFont(t *testing.T) {
	_, err := Render("hello", "comic-sans", 24, 384)
	assert.Error(t, err)
}

func TestRenderEmptyContentStillYieldsALine(t *testing.T) {
	buf, err := Render("", "goregular", 24, 384)
	require.NoError(t, err)
	assert.Greater(t, buf.Height, 0)
}
