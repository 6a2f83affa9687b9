package relay

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"
)

var errMalformed = errors.New("malformed_instruction")

// Instruction is one element list of the relay's text protocol:
// LENGTH.VALUE elements separated by ',' and terminated by ';'. Lengths count
// Unicode code points, not bytes.
type Instruction struct {
	Opcode string
	Args   []string
}

// Encode renders the instruction in wire form.
func (in Instruction) Encode() string {
	var b strings.Builder
	writeElement(&b, in.Opcode)
	for _, a := range in.Args {
		b.WriteByte(',')
		writeElement(&b, a)
	}
	b.WriteByte(';')
	return b.String()
}

func writeElement(b *strings.Builder, v string) {
	b.WriteString(strconv.Itoa(utf8.RuneCountInString(v)))
	b.WriteByte('.')
	b.WriteString(v)
}

// maxLengthDigits bounds the length prefix so garbage is rejected rather than
// buffered forever.
const maxLengthDigits = 10

// parseInstructions consumes every complete instruction in buf and returns
// the unconsumed tail, which the caller prepends to the next frame.
func parseInstructions(buf string) ([]Instruction, string, error) {
	var out []Instruction
	for len(buf) > 0 {
		in, n, err := parseOne(buf)
		if err != nil {
			return out, "", err
		}
		if n == 0 {
			return out, buf, nil
		}
		out = append(out, in)
		buf = buf[n:]
	}
	return out, "", nil
}

// parseOne returns n == 0 when s holds only a prefix of an instruction.
func parseOne(s string) (Instruction, int, error) {
	var elems []string
	i := 0
	for {
		dot := strings.IndexByte(s[i:], '.')
		if dot < 0 {
			if len(s)-i > maxLengthDigits || !allDigits(s[i:]) {
				return Instruction{}, 0, errMalformed
			}
			return Instruction{}, 0, nil
		}
		if dot == 0 || dot > maxLengthDigits || !allDigits(s[i:i+dot]) {
			return Instruction{}, 0, errMalformed
		}
		length, err := strconv.Atoi(s[i : i+dot])
		if err != nil {
			return Instruction{}, 0, errMalformed
		}
		start := i + dot + 1
		end := start
		for k := 0; k < length; k++ {
			if end >= len(s) {
				return Instruction{}, 0, nil
			}
			_, size := utf8.DecodeRuneInString(s[end:])
			end += size
		}
		if end >= len(s) {
			return Instruction{}, 0, nil
		}
		elems = append(elems, s[start:end])
		switch s[end] {
		case ',':
			i = end + 1
		case ';':
			return Instruction{Opcode: elems[0], Args: elems[1:]}, end + 1, nil
		default:
			return Instruction{}, 0, errMalformed
		}
	}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
