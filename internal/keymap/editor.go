package keymap

import "unicode/utf8"

const maxHistory = 200

// Editor is a single-line editor driven by decoded keys, used for the
// command prompt while no host is connected.
type Editor struct {
	buf    []rune
	cursor int

	history      []string
	historyIndex int
	draft        string
}

// Apply edits the line with k. When k is Enter it returns the finished line and
// true, and the editor starts a new empty line.
func (e *Editor) Apply(k Key) (string, bool) {
	switch k.Name {
	case "Enter":
		line := string(e.buf)
		e.remember(line)
		e.Clear()
		return line, true
	case "Backspace":
		e.backspace()
	case "Delete", "Ctrl-D":
		e.delete()
	case "Left", "Ctrl-B":
		if e.cursor > 0 {
			e.cursor--
		}
	case "Right", "Ctrl-F":
		if e.cursor < len(e.buf) {
			e.cursor++
		}
	case "Home", "Ctrl-A":
		e.cursor = 0
	case "End", "Ctrl-E":
		e.cursor = len(e.buf)
	case "Alt-b":
		e.wordLeft()
	case "Alt-f":
		e.wordRight()
	case "Ctrl-W":
		e.deleteWordBackward()
	case "Ctrl-U":
		e.buf = append(e.buf[:0], e.buf[e.cursor:]...)
		e.cursor = 0
	case "Ctrl-K":
		e.buf = e.buf[:e.cursor]
	case "Up", "Ctrl-P":
		e.recall(-1)
	case "Down", "Ctrl-N":
		e.recall(1)
	case "Space":
		e.insert(' ')
	default:
		if utf8.RuneCountInString(k.Name) == 1 {
			r, _ := utf8.DecodeRuneInString(k.Name)
			e.insert(r)
		}
	}
	return "", false
}

// String returns the line being edited.
func (e *Editor) String() string {
	return string(e.buf)
}

// Cursor returns the cursor position in runes.
func (e *Editor) Cursor() int {
	return e.cursor
}

// Clear empties the line.
func (e *Editor) Clear() {
	e.buf = nil
	e.cursor = 0
	e.historyIndex = len(e.history)
	e.draft = ""
}

func (e *Editor) insert(r rune) {
	e.buf = append(e.buf[:e.cursor], append([]rune{r}, e.buf[e.cursor:]...)...)
	e.cursor++
}

func (e *Editor) backspace() {
	if e.cursor <= 0 {
		return
	}
	e.buf = append(e.buf[:e.cursor-1], e.buf[e.cursor:]...)
	e.cursor--
}

func (e *Editor) delete() {
	if e.cursor >= len(e.buf) {
		return
	}
	e.buf = append(e.buf[:e.cursor], e.buf[e.cursor+1:]...)
}

func (e *Editor) wordLeft() {
	i := e.cursor
	for i > 0 && isBlank(e.buf[i-1]) {
		i--
	}
	for i > 0 && !isBlank(e.buf[i-1]) {
		i--
	}
	e.cursor = i
}

func (e *Editor) wordRight() {
	i := e.cursor
	for i < len(e.buf) && isBlank(e.buf[i]) {
		i++
	}
	for i < len(e.buf) && !isBlank(e.buf[i]) {
		i++
	}
	e.cursor = i
}

func (e *Editor) deleteWordBackward() {
	end := e.cursor
	e.wordLeft()
	e.buf = append(e.buf[:e.cursor], e.buf[end:]...)
}

func (e *Editor) remember(line string) {
	if line == "" || (len(e.history) > 0 && e.history[len(e.history)-1] == line) {
		return
	}
	e.history = append(e.history, line)
	if len(e.history) > maxHistory {
		e.history = e.history[len(e.history)-maxHistory:]
	}
}

// recall moves through history; dir is -1 for older and 1 for newer. The line
// being typed is kept as a draft below the newest entry.
func (e *Editor) recall(dir int) {
	next := e.historyIndex + dir
	if next < 0 || next > len(e.history) {
		return
	}
	if e.historyIndex == len(e.history) {
		e.draft = string(e.buf)
	}
	e.historyIndex = next
	line := e.draft
	if next < len(e.history) {
		line = e.history[next]
	}
	e.buf = []rune(line)
	e.cursor = len(e.buf)
}

func isBlank(r rune) bool {
	return r == ' ' || r == '\t'
}
