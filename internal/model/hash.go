package model

import (
	"encoding/base32"
	"encoding/hex"
	"strings"
)

// Base32 はパディングなしのbase32エンコーディング。
var Base32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// DecodeHash はbase32（32文字）またはhex（40文字）のSHA-1ハッシュを20バイトに復号する。
// 形式が不正な場合はnilを返す。
func DecodeHash(s string) []byte {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil
		}
		return b
	case 32:
		b, err := Base32.DecodeString(strings.ToUpper(s))
		if err != nil {
			return nil
		}
		return b
	}
	return nil
}

// HexToBase32 は40文字のhexハッシュをbase32に変換する。それ以外はそのまま返す。
func HexToBase32(s string) string {
	if len(s) != 40 {
		return s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return s
	}
	return Base32.EncodeToString(b)
}
