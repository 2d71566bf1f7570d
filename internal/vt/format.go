package vt

import (
	"fmt"
	"strings"
)

// Cursor is a zero-based position.
type Cursor struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// ContentsFormatted renders the visible screen as a byte stream that
// reproduces it on a blank terminal of the same size: rows with their
// attributes, then the pen attributes, cursor position and visibility.
func (t *Terminal) ContentsFormatted() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	b.WriteString("\x1b[H\x1b[J")

	last := len(t.screen) - 1
	for last >= 0 && t.screen[last].used() == 0 {
		last--
	}
	for y := 0; y <= last; y++ {
		l := t.screen[y]
		n := l.used()
		b.WriteString(formatCells(l.cells[:n]))
		b.WriteString("\x1b[0m")
		if y == last {
			break
		}
		// A full soft-wrapped row continues by itself; anything else needs
		// an explicit line break.
		if !(l.wrapped && n == len(l.cells)) {
			b.WriteString("\r\n")
		}
	}

	b.WriteString(t.cur.attr.sgr())
	fmt.Fprintf(&b, "\x1b[%d;%dH", t.cur.y+1, t.cur.x+1)
	if !t.cursorVisible {
		b.WriteString("\x1b[?25l")
	}
	return []byte(b.String())
}

// RowsFormatted re-wraps scrollback and screen to cols columns and renders
// each resulting row with its attributes. Rows are not terminated by a
// reset. The cursor is mapped to its position in the re-wrapped rows. While
// the alternate screen is shown only that screen is rendered.
func (t *Terminal) RowsFormatted(cols int) ([]string, Cursor) {
	if cols < 1 {
		cols = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var all []line
	if !t.altActive {
		all = append(all, t.scrollback...)
	}
	cursorRow := len(all) + t.cur.y
	all = append(all, t.screen...)

	var (
		out    []string
		cursor Cursor
	)
	for start := 0; start < len(all); {
		end := start
		for end < len(all)-1 && all[end].wrapped {
			end++
		}

		// Join the logical line; wrapped rows contribute their full width.
		var cells []Cell
		cursorOffset := -1
		for i := start; i <= end; i++ {
			if i == cursorRow {
				cursorOffset = len(cells) + t.cur.x
			}
			if i < end {
				cells = append(cells, all[i].cells...)
			} else {
				cells = append(cells, all[i].cells[:all[i].used()]...)
			}
		}

		if cursorOffset >= 0 {
			cursor = Cursor{Row: len(out) + cursorOffset/cols, Col: cursorOffset % cols}
		}
		if len(cells) == 0 {
			out = append(out, "")
		}
		for off := 0; off < len(cells); off += cols {
			out = append(out, formatCells(cells[off:min(off+cols, len(cells))]))
		}
		start = end + 1
	}
	return out, cursor
}
