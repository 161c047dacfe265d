package packager

import (
	"crypto/sha1"
	"errors"
	"fmt"
)

// ErrMalformedBencode はbencode形式として解釈できないデータを示す。
var ErrMalformedBencode = errors.New("malformed bencode")

// InfoHash はbencodeされた.torrentデータのinfo辞書のSHA-1を返す。
// info以外の値はスキップするだけで復号しない。
func InfoHash(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != 'd' {
		return nil, fmt.Errorf("%w: top level is not a dictionary", ErrMalformedBencode)
	}
	pos := 1
	for pos < len(data) && data[pos] != 'e' {
		key, next, err := readString(data, pos)
		if err != nil {
			return nil, err
		}
		end, err := skipValue(data, next)
		if err != nil {
			return nil, err
		}
		if string(key) == "info" {
			sum := sha1.Sum(data[next:end])
			return sum[:], nil
		}
		pos = end
	}
	return nil, fmt.Errorf("%w: info dictionary not found", ErrMalformedBencode)
}

func readString(data []byte, pos int) ([]byte, int, error) {
	n := 0
	i := pos
	for ; i < len(data) && data[i] != ':'; i++ {
		c := data[i]
		if c < '0' || c > '9' {
			return nil, 0, fmt.Errorf("%w: bad string length at %d", ErrMalformedBencode, pos)
		}
		n = n*10 + int(c-'0')
		if n > len(data) {
			return nil, 0, fmt.Errorf("%w: string length overflow at %d", ErrMalformedBencode, pos)
		}
	}
	if i == pos || i >= len(data) {
		return nil, 0, fmt.Errorf("%w: truncated string at %d", ErrMalformedBencode, pos)
	}
	start := i + 1
	end := start + n
	if end > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated string at %d", ErrMalformedBencode, pos)
	}
	return data[start:end], end, nil
}

func skipValue(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, fmt.Errorf("%w: unexpected end", ErrMalformedBencode)
	}
	switch c := data[pos]; {
	case c == 'i':
		for i := pos + 1; i < len(data); i++ {
			if data[i] == 'e' {
				return i + 1, nil
			}
		}
		return 0, fmt.Errorf("%w: unterminated integer at %d", ErrMalformedBencode, pos)
	case c == 'l' || c == 'd':
		i := pos + 1
		for i < len(data) && data[i] != 'e' {
			if c == 'd' {
				_, next, err := readString(data, i)
				if err != nil {
					return 0, err
				}
				i = next
			}
			next, err := skipValue(data, i)
			if err != nil {
				return 0, err
			}
			i = next
		}
		if i >= len(data) {
			return 0, fmt.Errorf("%w: unterminated container at %d", ErrMalformedBencode, pos)
		}
		return i + 1, nil
	case c >= '0' && c <= '9':
		_, next, err := readString(data, pos)
		return next, err
	default:
		return 0, fmt.Errorf("%w: unexpected byte %q at %d", ErrMalformedBencode, c, pos)
	}
}
