package encoder

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	shortTitleLen = 80
	addressHelper = "?i2paddresshelper="
)

// ShortTitle は80文字を超えるタイトルを切り詰め、省略記号を付ける。
func ShortTitle(title string) string {
	if utf8.RuneCountInString(title) <= shortTitleLen {
		return title
	}
	return string([]rune(title)[:shortTitleLen]) + ellipsis
}

// RawLink は生リンク表示で送るメッセージ本体を返す。
// アドレスヘルパー付きのリンクはホスト名と宛先バイト列のbencode辞書に変換する。
func RawLink(link string) ([]byte, error) {
	pos := strings.Index(link, addressHelper)
	if pos < 0 {
		return []byte(link), nil
	}

	dest := strings.TrimSpace(link[pos+len(addressHelper):])
	dest = strings.NewReplacer("~", "/", "-", "+").Replace(dest)
	destBytes, err := base64.StdEncoding.DecodeString(dest)
	if err != nil {
		destBytes, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(dest, "="))
		if err != nil {
			return nil, fmt.Errorf("アドレスヘルパーの復号に失敗: %w", err)
		}
	}

	u, err := url.Parse(link[:pos])
	if err != nil {
		return nil, fmt.Errorf("リンクの解析に失敗: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.New("リンクにホストがありません")
	}

	var buf bytes.Buffer
	buf.WriteString("d1:a")
	buf.WriteString(strconv.Itoa(len(destBytes)))
	buf.WriteByte(':')
	buf.Write(destBytes)
	buf.WriteString("1:h")
	buf.WriteString(strconv.Itoa(len(host)))
	buf.WriteByte(':')
	buf.WriteString(host)
	buf.WriteByte('e')
	return buf.Bytes(), nil
}
