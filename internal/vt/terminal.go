// Package vt is an in-memory terminal emulator. It interprets the byte
// stream of a remote PTY and keeps the screen grid, a bounded scrollback,
// the cursor and the window title, so that a session can be re-rendered at
// any time and at any width.
//
// It covers the VT100/xterm subset used by shells and common full-screen
// programs: UTF-8 text, C0 controls, cursor movement, erase and insert/delete,
// scroll regions, SGR colors (16, 256 and truecolor), the alternate screen
// and OSC 0/2 titles. Every character occupies one cell.
package vt

import (
	"sync"
	"unicode/utf8"
)

// DefaultScrollback is the number of scrolled-off rows kept when New is
// given a non-positive limit.
const DefaultScrollback = 1000

const (
	maxParams = 16
	maxOSC    = 4096
	tabWidth  = 8
)

type parserState int

const (
	stateGround parserState = iota
	stateEscape
	stateEscapeIntermediate
	stateCSI
	stateOSC
	stateOSCEscape
	stateString
	stateStringEscape
)

type cursor struct {
	x, y        int
	attr        Attr
	pendingWrap bool
}

// Terminal is safe for concurrent use.
type Terminal struct {
	mu sync.Mutex

	rows, cols    int
	screen        []line
	scrollback    []line
	maxScrollback int

	// Main screen state while the alternate screen is shown.
	altActive  bool
	mainScreen []line
	mainCursor cursor

	cur           cursor
	saved         cursor
	top, bottom   int
	autowrap      bool
	cursorVisible bool
	title         string
	titleChanged  bool

	state    parserState
	params   []int
	param    int
	hasParam bool
	private  byte
	inter    byte
	osc      []byte
	utf8     []byte
}

// New returns a terminal of rows x cols keeping up to scrollback rows of
// history.
func New(rows, cols, scrollback int) *Terminal {
	if rows < 1 {
		rows = 1
	}
	if cols < 1 {
		cols = 1
	}
	if scrollback <= 0 {
		scrollback = DefaultScrollback
	}
	t := &Terminal{rows: rows, cols: cols, maxScrollback: scrollback}
	t.reset()
	return t
}

func (t *Terminal) reset() {
	t.screen = make([]line, t.rows)
	for i := range t.screen {
		t.screen[i] = newLine(t.cols)
	}
	t.altActive = false
	t.mainScreen = nil
	t.cur = cursor{attr: defaultAttr}
	t.saved = t.cur
	t.top, t.bottom = 0, t.rows-1
	t.autowrap = true
	t.cursorVisible = true
	t.state = stateGround
}

// Write feeds output from the remote side. It never fails.
func (t *Terminal) Write(p []byte) (int, error) {
	t.Process(p)
	return len(p), nil
}

// Process feeds output from the remote side and reports whether it changed
// the window title.
func (t *Terminal) Process(p []byte) (titleChanged bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.titleChanged = false
	for _, b := range p {
		t.step(b)
	}
	return t.titleChanged
}

// Title returns the last title set by OSC 0 or 2.
func (t *Terminal) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title
}

// Size returns the screen geometry.
func (t *Terminal) Size() (rows, cols int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows, t.cols
}

// Cursor returns the zero-based cursor position on the screen.
func (t *Terminal) Cursor() (row, col int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur.y, t.cur.x
}

// CursorVisible reports DECTCEM.
func (t *Terminal) CursorVisible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursorVisible
}

// Resize changes the screen geometry. Rows removed above the cursor move to
// scrollback; rows are truncated or padded to the new width.
func (t *Terminal) Resize(rows, cols int) {
	if rows < 1 || cols < 1 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if rows == t.rows && cols == t.cols {
		return
	}

	t.screen = resizeLines(t.screen, cols)
	if t.mainScreen != nil {
		t.mainScreen = resizeLines(t.mainScreen, cols)
	}

	for len(t.screen) > rows {
		if t.cur.y > 0 && t.cur.y >= rows {
			if !t.altActive {
				t.pushScrollback(t.screen[0])
			}
			t.screen = t.screen[1:]
			t.cur.y--
		} else {
			t.screen = t.screen[:len(t.screen)-1]
		}
	}
	for len(t.screen) < rows {
		t.screen = append(t.screen, newLine(cols))
	}
	if t.mainScreen != nil {
		for len(t.mainScreen) > rows {
			t.mainScreen = t.mainScreen[:len(t.mainScreen)-1]
		}
		for len(t.mainScreen) < rows {
			t.mainScreen = append(t.mainScreen, newLine(cols))
		}
	}

	t.rows, t.cols = rows, cols
	t.top, t.bottom = 0, rows-1
	t.cur.x = clamp(t.cur.x, 0, cols-1)
	t.cur.y = clamp(t.cur.y, 0, rows-1)
	t.cur.pendingWrap = false
	t.mainCursor.x = clamp(t.mainCursor.x, 0, cols-1)
	t.mainCursor.y = clamp(t.mainCursor.y, 0, rows-1)
}

func resizeLines(lines []line, cols int) []line {
	for i := range lines {
		l := &lines[i]
		switch {
		case len(l.cells) > cols:
			l.cells = l.cells[:cols]
			l.wrapped = false
		case len(l.cells) < cols:
			for len(l.cells) < cols {
				l.cells = append(l.cells, blankCell())
			}
			l.wrapped = false
		}
	}
	return lines
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (t *Terminal) step(b byte) {
	switch t.state {
	case stateGround:
		t.ground(b)
	case stateEscape:
		t.escape(b)
	case stateEscapeIntermediate:
		// Charset designations and DEC line attributes are ignored.
		t.state = stateGround
	case stateCSI:
		t.csiByte(b)
	case stateOSC:
		switch b {
		case 0x07:
			t.dispatchOSC()
			t.state = stateGround
		case 0x1b:
			t.state = stateOSCEscape
		default:
			if len(t.osc) < maxOSC {
				t.osc = append(t.osc, b)
			}
		}
	case stateOSCEscape:
		if b == '\\' {
			t.dispatchOSC()
			t.state = stateGround
			return
		}
		t.state = stateEscape
		t.escape(b)
	case stateString:
		switch b {
		case 0x07:
			t.state = stateGround
		case 0x1b:
			t.state = stateStringEscape
		}
	case stateStringEscape:
		if b == '\\' {
			t.state = stateGround
		} else {
			t.state = stateString
		}
	}
}

func (t *Terminal) ground(b byte) {
	if b >= 0x80 {
		t.utf8 = append(t.utf8, b)
		if utf8.FullRune(t.utf8) {
			r, size := utf8.DecodeRune(t.utf8)
			t.utf8 = t.utf8[size:]
			t.put(r)
		}
		return
	}
	if len(t.utf8) > 0 {
		t.utf8 = t.utf8[:0]
		t.put(utf8.RuneError)
	}
	if b >= 0x20 && b != 0x7f {
		t.put(rune(b))
		return
	}
	t.control(b)
}

func (t *Terminal) control(b byte) {
	switch b {
	case 0x08: // BS
		if t.cur.x > 0 {
			t.cur.x--
		}
		t.cur.pendingWrap = false
	case 0x09: // HT
		next := (t.cur.x/tabWidth + 1) * tabWidth
		t.cur.x = min(next, t.cols-1)
		t.cur.pendingWrap = false
	case 0x0a, 0x0b, 0x0c: // LF, VT, FF
		t.cur.pendingWrap = false
		t.lineFeed()
	case 0x0d: // CR
		t.cur.x = 0
		t.cur.pendingWrap = false
	case 0x1b:
		t.state = stateEscape
	}
}

func (t *Terminal) put(r rune) {
	if t.cur.pendingWrap {
		if t.autowrap {
			t.screen[t.cur.y].wrapped = true
			t.cur.x = 0
			t.lineFeed()
		}
		t.cur.pendingWrap = false
	}
	t.screen[t.cur.y].cells[t.cur.x] = Cell{Ch: r, Attr: t.cur.attr}
	if t.cur.x == t.cols-1 {
		t.cur.pendingWrap = true
	} else {
		t.cur.x++
	}
}

func (t *Terminal) lineFeed() {
	switch {
	case t.cur.y == t.bottom:
		t.scrollUp(1)
	case t.cur.y < t.rows-1:
		t.cur.y++
	}
}

func (t *Terminal) reverseIndex() {
	switch {
	case t.cur.y == t.top:
		t.scrollDown(1)
	case t.cur.y > 0:
		t.cur.y--
	}
}

func (t *Terminal) pushScrollback(l line) {
	t.scrollback = append(t.scrollback, l)
	if over := len(t.scrollback) - t.maxScrollback; over > 0 {
		copy(t.scrollback, t.scrollback[over:])
		for i := len(t.scrollback) - over; i < len(t.scrollback); i++ {
			t.scrollback[i] = line{}
		}
		t.scrollback = t.scrollback[:len(t.scrollback)-over]
	}
}

// scrollUp moves the scroll region up by n rows. Rows leaving the top of a
// full-height region on the main screen go to scrollback.
func (t *Terminal) scrollUp(n int) {
	n = min(n, t.bottom-t.top+1)
	for i := 0; i < n; i++ {
		gone := t.screen[t.top]
		if t.top == 0 && !t.altActive {
			t.pushScrollback(gone)
		}
		copy(t.screen[t.top:t.bottom], t.screen[t.top+1:t.bottom+1])
		t.screen[t.bottom] = newLine(t.cols)
	}
}

func (t *Terminal) scrollDown(n int) {
	n = min(n, t.bottom-t.top+1)
	for i := 0; i < n; i++ {
		copy(t.screen[t.top+1:t.bottom+1], t.screen[t.top:t.bottom])
		t.screen[t.top] = newLine(t.cols)
	}
}

func (t *Terminal) escape(b byte) {
	t.state = stateGround
	switch b {
	case '[':
		t.params = t.params[:0]
		t.param, t.hasParam = 0, false
		t.private, t.inter = 0, 0
		t.state = stateCSI
	case ']':
		t.osc = t.osc[:0]
		t.state = stateOSC
	case 'P', 'X', '^', '_':
		t.state = stateString
	case '(', ')', '*', '+', '#', '%':
		t.state = stateEscapeIntermediate
	case '7':
		t.saved = t.cur
	case '8':
		t.cur = t.saved
		t.cur.x = clamp(t.cur.x, 0, t.cols-1)
		t.cur.y = clamp(t.cur.y, 0, t.rows-1)
	case 'D':
		t.lineFeed()
	case 'E':
		t.cur.x = 0
		t.lineFeed()
	case 'M':
		t.reverseIndex()
	case 'c':
		t.scrollback = nil
		t.reset()
	}
}

func (t *Terminal) csiByte(b byte) {
	switch {
	case b >= '0' && b <= '9':
		t.param = t.param*10 + int(b-'0')
		if t.param > 65535 {
			t.param = 65535
		}
		t.hasParam = true
	case b == ';' || b == ':':
		t.pushParam()
	case b >= '<' && b <= '?':
		if len(t.params) == 0 && !t.hasParam {
			t.private = b
		}
	case b >= 0x20 && b <= 0x2f:
		t.inter = b
	case b >= 0x40 && b <= 0x7e:
		t.pushParam()
		t.state = stateGround
		if t.inter == 0 {
			t.dispatchCSI(b)
		}
	case b == 0x1b:
		t.state = stateEscape
	case b < 0x20:
		t.control(b)
	}
}

func (t *Terminal) pushParam() {
	if len(t.params) < maxParams {
		if t.hasParam {
			t.params = append(t.params, t.param)
		} else {
			t.params = append(t.params, -1)
		}
	}
	t.param, t.hasParam = 0, false
}

// arg returns parameter i, or def when it is absent or zero-defaulted.
func (t *Terminal) arg(i, def int) int {
	if i >= len(t.params) || t.params[i] <= 0 {
		return def
	}
	return t.params[i]
}

func (t *Terminal) rawArg(i int) int {
	if i >= len(t.params) || t.params[i] < 0 {
		return 0
	}
	return t.params[i]
}

func (t *Terminal) dispatchCSI(final byte) {
	if t.private == '?' {
		switch final {
		case 'h':
			t.setModes(true)
		case 'l':
			t.setModes(false)
		}
		return
	}
	if t.private != 0 {
		return
	}

	cur := &t.cur
	switch final {
	case '@':
		t.insertChars(t.arg(0, 1))
	case 'A':
		cur.y = clamp(cur.y-t.arg(0, 1), t.upperBound(), t.rows-1)
	case 'B', 'e':
		cur.y = clamp(cur.y+t.arg(0, 1), 0, t.lowerBound())
	case 'C', 'a':
		cur.x = clamp(cur.x+t.arg(0, 1), 0, t.cols-1)
	case 'D':
		cur.x = clamp(cur.x-t.arg(0, 1), 0, t.cols-1)
	case 'E':
		cur.y = clamp(cur.y+t.arg(0, 1), 0, t.lowerBound())
		cur.x = 0
	case 'F':
		cur.y = clamp(cur.y-t.arg(0, 1), t.upperBound(), t.rows-1)
		cur.x = 0
	case 'G', '`':
		cur.x = clamp(t.arg(0, 1)-1, 0, t.cols-1)
	case 'H', 'f':
		cur.y = clamp(t.arg(0, 1)-1, 0, t.rows-1)
		cur.x = clamp(t.arg(1, 1)-1, 0, t.cols-1)
	case 'd':
		cur.y = clamp(t.arg(0, 1)-1, 0, t.rows-1)
	case 'J':
		t.eraseDisplay(t.rawArg(0))
	case 'K':
		t.eraseLine(t.rawArg(0))
	case 'L':
		t.insertLines(t.arg(0, 1))
	case 'M':
		t.deleteLines(t.arg(0, 1))
	case 'P':
		t.deleteChars(t.arg(0, 1))
	case 'S':
		t.scrollUp(t.arg(0, 1))
	case 'T':
		t.scrollDown(t.arg(0, 1))
	case 'X':
		n := t.arg(0, 1)
		l := t.screen[cur.y].cells
		for x := cur.x; x < len(l) && x < cur.x+n; x++ {
			l[x] = t.erased()
		}
	case 'm':
		// SGR leaves a pending wrap in place.
		t.sgr()
		return
	case 'r':
		top := t.arg(0, 1) - 1
		bottom := t.arg(1, t.rows) - 1
		if top < bottom && bottom < t.rows {
			t.top, t.bottom = top, bottom
			cur.x, cur.y = 0, 0
		}
	case 's':
		t.saved = t.cur
	case 'u':
		t.cur = t.saved
		t.cur.x = clamp(t.cur.x, 0, t.cols-1)
		t.cur.y = clamp(t.cur.y, 0, t.rows-1)
	default:
		return
	}
	cur.pendingWrap = false
}

// upperBound is the highest row CUU may reach: the top margin when the
// cursor is inside the scroll region.
func (t *Terminal) upperBound() int {
	if t.cur.y >= t.top {
		return t.top
	}
	return 0
}

func (t *Terminal) lowerBound() int {
	if t.cur.y <= t.bottom {
		return t.bottom
	}
	return t.rows - 1
}

// erased is the cell left by erase operations: empty, keeping the current
// background.
func (t *Terminal) erased() Cell {
	return Cell{Attr: Attr{FG: ColorDefault, BG: t.cur.attr.BG}}
}

func (t *Terminal) eraseDisplay(mode int) {
	switch mode {
	case 0:
		t.eraseLine(0)
		for y := t.cur.y + 1; y < t.rows; y++ {
			t.clearLine(y)
		}
	case 1:
		t.eraseLine(1)
		for y := 0; y < t.cur.y; y++ {
			t.clearLine(y)
		}
	case 2:
		for y := 0; y < t.rows; y++ {
			t.clearLine(y)
		}
	case 3:
		t.scrollback = nil
	}
}

func (t *Terminal) clearLine(y int) {
	l := &t.screen[y]
	for x := range l.cells {
		l.cells[x] = t.erased()
	}
	l.wrapped = false
}

func (t *Terminal) eraseLine(mode int) {
	l := &t.screen[t.cur.y]
	from, to := 0, len(l.cells)
	switch mode {
	case 0:
		from = t.cur.x
		l.wrapped = false
	case 1:
		to = t.cur.x + 1
	case 2:
		l.wrapped = false
	default:
		return
	}
	for x := from; x < to && x < len(l.cells); x++ {
		l.cells[x] = t.erased()
	}
}

func (t *Terminal) insertChars(n int) {
	l := t.screen[t.cur.y].cells
	n = min(n, t.cols-t.cur.x)
	copy(l[t.cur.x+n:], l[t.cur.x:])
	for x := t.cur.x; x < t.cur.x+n; x++ {
		l[x] = t.erased()
	}
}

func (t *Terminal) deleteChars(n int) {
	l := t.screen[t.cur.y].cells
	n = min(n, t.cols-t.cur.x)
	copy(l[t.cur.x:], l[t.cur.x+n:])
	for x := t.cols - n; x < t.cols; x++ {
		l[x] = t.erased()
	}
}

func (t *Terminal) insertLines(n int) {
	if t.cur.y < t.top || t.cur.y > t.bottom {
		return
	}
	top := t.top
	t.top = t.cur.y
	t.scrollDown(n)
	t.top = top
	t.cur.x = 0
}

func (t *Terminal) deleteLines(n int) {
	if t.cur.y < t.top || t.cur.y > t.bottom {
		return
	}
	top, alt := t.top, t.altActive
	t.top = t.cur.y
	// Deleted lines never go to scrollback.
	t.altActive = true
	t.scrollUp(n)
	t.top, t.altActive = top, alt
	t.cur.x = 0
}

func (t *Terminal) setModes(on bool) {
	for _, p := range t.params {
		switch p {
		case 7:
			t.autowrap = on
		case 25:
			t.cursorVisible = on
		case 47, 1047:
			t.switchScreen(on, false)
		case 1049:
			t.switchScreen(on, true)
		}
	}
}

func (t *Terminal) switchScreen(alt, saveCursor bool) {
	if alt == t.altActive {
		return
	}
	if alt {
		if saveCursor {
			t.mainCursor = t.cur
		}
		t.mainScreen = t.screen
		t.screen = make([]line, t.rows)
		for i := range t.screen {
			t.screen[i] = newLine(t.cols)
		}
		t.altActive = true
		return
	}
	t.screen = t.mainScreen
	t.mainScreen = nil
	t.altActive = false
	if saveCursor {
		t.cur = t.mainCursor
	}
}

func (t *Terminal) sgr() {
	a := &t.cur.attr
	if len(t.params) == 0 {
		*a = defaultAttr
		return
	}
	for i := 0; i < len(t.params); i++ {
		p := t.params[i]
		if p < 0 {
			p = 0
		}
		switch {
		case p == 0:
			*a = defaultAttr
		case p == 1:
			a.Flags |= AttrBold
		case p == 2:
			a.Flags |= AttrFaint
		case p == 3:
			a.Flags |= AttrItalic
		case p == 4:
			a.Flags |= AttrUnderline
		case p == 5:
			a.Flags |= AttrBlink
		case p == 7:
			a.Flags |= AttrInverse
		case p == 8:
			a.Flags |= AttrHidden
		case p == 9:
			a.Flags |= AttrStrike
		case p == 22:
			a.Flags &^= AttrBold | AttrFaint
		case p == 23:
			a.Flags &^= AttrItalic
		case p == 24:
			a.Flags &^= AttrUnderline
		case p == 25:
			a.Flags &^= AttrBlink
		case p == 27:
			a.Flags &^= AttrInverse
		case p == 28:
			a.Flags &^= AttrHidden
		case p == 29:
			a.Flags &^= AttrStrike
		case p >= 30 && p <= 37:
			a.FG = Color(p - 30)
		case p == 38:
			a.FG, i = t.extendedColor(i, a.FG)
		case p == 39:
			a.FG = ColorDefault
		case p >= 40 && p <= 47:
			a.BG = Color(p - 40)
		case p == 48:
			a.BG, i = t.extendedColor(i, a.BG)
		case p == 49:
			a.BG = ColorDefault
		case p >= 90 && p <= 97:
			a.FG = Color(p - 90 + 8)
		case p >= 100 && p <= 107:
			a.BG = Color(p - 100 + 8)
		}
	}
}

// extendedColor parses "38;5;n" or "38;2;r;g;b" starting at params[i] and
// returns the color and the index of the last consumed parameter.
func (t *Terminal) extendedColor(i int, prev Color) (Color, int) {
	switch t.rawArg(i + 1) {
	case 5:
		if i+2 < len(t.params) {
			return Color(clamp(t.rawArg(i+2), 0, 255)), i + 2
		}
	case 2:
		if i+4 < len(t.params) {
			return RGB(uint8(t.rawArg(i+2)), uint8(t.rawArg(i+3)), uint8(t.rawArg(i+4))), i + 4
		}
	}
	return prev, len(t.params)
}

func (t *Terminal) dispatchOSC() {
	data := string(t.osc)
	ps, pt := data, ""
	for i := 0; i < len(data); i++ {
		if data[i] == ';' {
			ps, pt = data[:i], data[i+1:]
			break
		}
	}
	if ps != "0" && ps != "2" {
		return
	}
	if pt != t.title {
		t.title = pt
		t.titleChanged = true
	}
}
