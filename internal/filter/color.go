package filter

import (
	"fmt"
	"math"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Color is a 0xRRGGBB value. Auto asks the engine to pick a color per
// match key.
type Color uint32

const (
	Auto      Color = 0x80808080
	White     Color = 0xffffff
	Black     Color = 0x000000
	Yellow    Color = 0xffff37
	DefaultBg       = White
	DefaultFg       = Black
)

// RGB returns a Color from 8-bit components.
func RGB(r, g, b uint8) Color {
	return Color(uint32(r)<<16 | uint32(g)<<8 | uint32(b))
}

func (c Color) String() string {
	if c == Auto {
		return "auto"
	}
	return fmt.Sprintf("#%06x", uint32(c)&0xffffff)
}

func (c Color) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText accepts "auto" or a hex color such as "#ff8800".
func (c *Color) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.EqualFold(s, "auto") {
		*c = Auto
		return nil
	}
	if !strings.HasPrefix(s, "#") {
		s = "#" + s
	}
	cf, err := colorful.Hex(s)
	if err != nil {
		return fmt.Errorf("filter: color %q: %w", string(b), err)
	}
	r, g, bl := cf.RGB255()
	*c = RGB(r, g, bl)
	return nil
}

const goldenRatioConjugate = 0.618033988749895

// Palette hands out well separated colors by stepping the hue with the
// golden ratio.
type Palette struct {
	hue float64
}

// NewPalette starts at the given hue in [0, 1).
func NewPalette(seed float64) *Palette {
	return &Palette{hue: seed - math.Floor(seed)}
}

func (p *Palette) next(s, v float64) Color {
	p.hue = math.Mod(p.hue+goldenRatioConjugate, 1)
	r, g, b := colorful.Hsv(p.hue*360, s, v).Clamped().RGB255()
	return RGB(r, g, b)
}

// Back returns a light background color.
func (p *Palette) Back() Color { return p.next(0.5, 0.95) }

// Text returns a saturated foreground color.
func (p *Palette) Text() Color { return p.next(0.9, 0.7) }

// Process returns a pale color for process identities.
func (p *Palette) Process() Color { return p.next(0.2, 0.95) }
