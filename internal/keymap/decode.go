package keymap

import (
	"unicode"
	"unicode/utf8"
)

const esc = 0x1b

// Key is one decoded keystroke: its canonical name and the bytes that produced it.
type Key struct {
	Name string
	Raw  []byte
}

// Decoder turns terminal input into keys. Input may arrive split at any byte;
// an incomplete escape sequence or UTF-8 rune is held until the next Decode.
type Decoder struct {
	pending []byte
}

// Decode returns the keys completed by p.
func (d *Decoder) Decode(p []byte) []Key {
	buf := append(d.pending, p...)
	d.pending = nil
	var keys []Key
	for len(buf) > 0 {
		k, n := decodeOne(buf)
		if n == 0 {
			d.pending = append([]byte(nil), buf...)
			break
		}
		keys = append(keys, k)
		buf = buf[n:]
	}
	return keys
}

// decodeOne decodes the key at the front of buf. It returns n == 0 when buf
// holds only the start of a longer sequence.
func decodeOne(buf []byte) (Key, int) {
	b := buf[0]
	raw := func(n int) []byte { return append([]byte(nil), buf[:n]...) }
	switch {
	case b == esc:
		return decodeEscape(buf)
	case b == '\r':
		return Key{Name: "Enter", Raw: raw(1)}, 1
	case b == '\t':
		return Key{Name: "Tab", Raw: raw(1)}, 1
	case b == 0x7f || b == 0x08:
		return Key{Name: "Backspace", Raw: raw(1)}, 1
	case b == ' ':
		return Key{Name: "Space", Raw: raw(1)}, 1
	case b == 0:
		return Key{Name: "Ctrl-@", Raw: raw(1)}, 1
	case b < 0x1b:
		return Key{Name: "Ctrl-" + string(rune('A'+b-1)), Raw: raw(1)}, 1
	case b < 0x20:
		return Key{Name: "Ctrl-" + string(rune('@'+b)), Raw: raw(1)}, 1
	case b < utf8.RuneSelf:
		return Key{Name: string(rune(b)), Raw: raw(1)}, 1
	}
	if !utf8.FullRune(buf) {
		return Key{}, 0
	}
	r, n := utf8.DecodeRune(buf)
	return Key{Name: string(r), Raw: raw(n)}, n
}

var csiKeys = map[string]string{
	"A": "Up", "B": "Down", "C": "Right", "D": "Left",
	"H": "Home", "F": "End", "Z": "BackTab", "1;2Z": "BackTab",
	"1~": "Home", "7~": "Home", "4~": "End", "8~": "End",
	"2~": "Insert", "3~": "Delete", "5~": "PageUp", "6~": "PageDown",
	"11~": "F1", "12~": "F2", "13~": "F3", "14~": "F4",
	"15~": "F5", "17~": "F6", "18~": "F7", "19~": "F8",
	"20~": "F9", "21~": "F10", "23~": "F11", "24~": "F12",
}

var ss3Keys = map[byte]string{
	'P': "F1", 'Q': "F2", 'R': "F3", 'S': "F4",
	'A': "Up", 'B': "Down", 'C': "Right", 'D': "Left",
	'H': "Home", 'F': "End",
}

func decodeEscape(buf []byte) (Key, int) {
	raw := func(n int) []byte { return append([]byte(nil), buf[:n]...) }
	if len(buf) == 1 {
		// A lone ESC at the end of a read is the Escape key; terminals send
		// sequences in one write.
		return Key{Name: "Escape", Raw: raw(1)}, 1
	}
	switch buf[1] {
	case '[':
		for i := 2; i < len(buf); i++ {
			c := buf[i]
			if c == '~' || unicode.IsLetter(rune(c)) {
				n := i + 1
				name, ok := csiKeys[string(buf[2:i+1])]
				if !ok {
					name = "Unknown"
				}
				return Key{Name: name, Raw: raw(n)}, n
			}
			if i > 8 {
				return Key{Name: "Unknown", Raw: raw(i + 1)}, i + 1
			}
		}
		return Key{}, 0
	case 'O':
		if len(buf) < 3 {
			return Key{}, 0
		}
		name, ok := ss3Keys[buf[2]]
		if !ok {
			name = "Unknown"
		}
		return Key{Name: name, Raw: raw(3)}, 3
	case esc:
		return Key{Name: "Escape", Raw: raw(1)}, 1
	}
	inner, n := decodeOne(buf[1:])
	if n == 0 {
		return Key{}, 0
	}
	return Key{Name: "Alt-" + inner.Name, Raw: raw(n + 1)}, n + 1
}
