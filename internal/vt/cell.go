package vt

import (
	"strconv"
	"strings"
)

// Color is a cell color: ColorDefault, a palette index 0-255, or a 24-bit
// RGB value tagged with colorRGB.
type Color int32

const (
	ColorDefault Color = -1
	colorRGB     Color = 1 << 24
)

// RGB returns a truecolor Color.
func RGB(r, g, b uint8) Color {
	return colorRGB | Color(r)<<16 | Color(g)<<8 | Color(b)
}

func (c Color) isRGB() bool { return c >= colorRGB }

// Attribute flags.
const (
	AttrBold uint16 = 1 << iota
	AttrFaint
	AttrItalic
	AttrUnderline
	AttrBlink
	AttrInverse
	AttrHidden
	AttrStrike
)

// Attr is the graphic rendition of a cell.
type Attr struct {
	FG, BG Color
	Flags  uint16
}

var defaultAttr = Attr{FG: ColorDefault, BG: ColorDefault}

// Cell is one screen position. Ch is 0 for a never-written or erased cell.
type Cell struct {
	Ch   rune
	Attr Attr
}

func blankCell() Cell { return Cell{Attr: defaultAttr} }

// sgr returns the escape sequence that switches a terminal from any state to
// a. It always starts with a reset.
func (a Attr) sgr() string {
	params := []string{"0"}
	flagCodes := []struct {
		flag uint16
		code string
	}{
		{AttrBold, "1"}, {AttrFaint, "2"}, {AttrItalic, "3"}, {AttrUnderline, "4"},
		{AttrBlink, "5"}, {AttrInverse, "7"}, {AttrHidden, "8"}, {AttrStrike, "9"},
	}
	for _, fc := range flagCodes {
		if a.Flags&fc.flag != 0 {
			params = append(params, fc.code)
		}
	}
	params = appendColor(params, a.FG, 30, 90, 38)
	params = appendColor(params, a.BG, 40, 100, 48)
	return "\x1b[" + strings.Join(params, ";") + "m"
}

func appendColor(params []string, c Color, base, bright, extended int) []string {
	switch {
	case c == ColorDefault:
		return params
	case c.isRGB():
		return append(params, strconv.Itoa(extended), "2",
			strconv.Itoa(int(c>>16&0xff)), strconv.Itoa(int(c>>8&0xff)), strconv.Itoa(int(c&0xff)))
	case c < 8:
		return append(params, strconv.Itoa(base+int(c)))
	case c < 16:
		return append(params, strconv.Itoa(bright+int(c)-8))
	default:
		return append(params, strconv.Itoa(extended), "5", strconv.Itoa(int(c)))
	}
}

// line is one screen or scrollback row. wrapped is set when the text
// continues on the next row because it reached the right margin.
type line struct {
	cells   []Cell
	wrapped bool
}

func newLine(cols int) line {
	l := line{cells: make([]Cell, cols)}
	for i := range l.cells {
		l.cells[i] = blankCell()
	}
	return l
}

// used returns the number of cells up to the last written one.
func (l line) used() int {
	n := len(l.cells)
	for n > 0 && l.cells[n-1].Ch == 0 {
		n--
	}
	return n
}

// format renders cells as text with SGR changes, starting from the reset
// state.
func formatCells(cells []Cell) string {
	var b strings.Builder
	cur := defaultAttr
	for _, c := range cells {
		if c.Attr != cur {
			b.WriteString(c.Attr.sgr())
			cur = c.Attr
		}
		if c.Ch == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteRune(c.Ch)
		}
	}
	return b.String()
}
