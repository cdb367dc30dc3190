package presentation

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/loqalabs/accessbridge/internal/preferences"
)

// Palette is the set of colors a surface is drawn with.
type Palette struct {
	Background string `json:"background"`
	Surface    string `json:"surface"`
	Text       string `json:"text"`
	MutedText  string `json:"muted_text"`
	Accent     string `json:"accent"`
	Nav        string `json:"nav"`
	NavText    string `json:"nav_text"`
	Border     string `json:"border"`
	CaptionBg  string `json:"caption_background"`
	CaptionFg  string `json:"caption_text"`
	ErrorText  string `json:"error_text"`
}

var (
	standardPalette = Palette{
		Background: "#f9fafb",
		Surface:    "#ffffff",
		Text:       "#111827",
		MutedText:  "#6b7280",
		Accent:     "#2563eb",
		Nav:        "#ffffff",
		NavText:    "#111827",
		Border:     "#d1d5db",
		CaptionBg:  "#000000",
		CaptionFg:  "#ffffff",
		ErrorText:  "#991b1b",
	}
	highContrastPalette = Palette{
		Background: "#ffffff",
		Surface:    "#e5e7eb",
		Text:       "#000000",
		MutedText:  "#000000",
		Accent:     "#facc15",
		Nav:        "#000000",
		NavText:    "#fde047",
		Border:     "#000000",
		CaptionBg:  "#000000",
		CaptionFg:  "#ffffff",
		ErrorText:  "#000000",
	}
)

// Matrix is a 3x3 linear RGB transform, rows producing R, G and B.
type Matrix [3][3]float64

var filterMatrices = map[preferences.ColorFilter]Matrix{
	preferences.FilterProtanopia: {
		{0.567, 0.433, 0},
		{0.558, 0.442, 0},
		{0, 0.242, 0.758},
	},
	preferences.FilterDeuteranopia: {
		{0.625, 0.375, 0},
		{0.7, 0.3, 0},
		{0, 0.3, 0.7},
	},
	preferences.FilterTritanopia: {
		{0.95, 0.05, 0},
		{0, 0.433, 0.567},
		{0, 0.475, 0.525},
	},
}

// FilterMatrix returns the transform for f. FilterNone has none.
func FilterMatrix(f preferences.ColorFilter) (Matrix, bool) {
	m, ok := filterMatrices[f]
	return m, ok
}

// CSS renders the matrix as an feColorMatrix values attribute.
func (m Matrix) CSS() string {
	var b strings.Builder
	for i, row := range m {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%g %g %g 0 0", row[0], row[1], row[2])
	}
	b.WriteString(" 0 0 0 1 0")
	return b.String()
}

// Apply transforms a #rrggbb color. Unparseable input is returned unchanged.
func (m Matrix) Apply(hex string) string {
	r, g, b, ok := parseHex(hex)
	if !ok {
		return hex
	}
	in := [3]float64{r, g, b}
	var out [3]int
	for i, row := range m {
		v := row[0]*in[0] + row[1]*in[1] + row[2]*in[2]
		out[i] = int(math.Round(math.Max(0, math.Min(255, v))))
	}
	return fmt.Sprintf("#%02x%02x%02x", out[0], out[1], out[2])
}

func paletteFor(st preferences.State) Palette {
	p := standardPalette
	if st.HighContrast {
		p = highContrastPalette
	}
	m, ok := FilterMatrix(st.ColorVisionFilter)
	if !ok {
		return p
	}
	return Palette{
		Background: m.Apply(p.Background),
		Surface:    m.Apply(p.Surface),
		Text:       m.Apply(p.Text),
		MutedText:  m.Apply(p.MutedText),
		Accent:     m.Apply(p.Accent),
		Nav:        m.Apply(p.Nav),
		NavText:    m.Apply(p.NavText),
		Border:     m.Apply(p.Border),
		CaptionBg:  m.Apply(p.CaptionBg),
		CaptionFg:  m.Apply(p.CaptionFg),
		ErrorText:  m.Apply(p.ErrorText),
	}
}

func parseHex(hex string) (float64, float64, float64, bool) {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return 0, 0, 0, false
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return float64(v >> 16 & 0xff), float64(v >> 8 & 0xff), float64(v & 0xff), true
}
