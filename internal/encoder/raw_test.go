package encoder

import (
	"strings"
	"testing"
)

func TestShortTitle(t *testing.T) {
	short := strings.Repeat("a", 80)
	if got := ShortTitle(short); got != short {
		t.Errorf("80文字以下は変更しないべき: %q", got)
	}

	long := strings.Repeat("あ", 81)
	got := ShortTitle(long)
	if got != strings.Repeat("あ", 80)+"..." {
		t.Errorf("ShortTitle = %q", got)
	}
}

func TestRawLink_Plain(t *testing.T) {
	got, err := RawLink("https://example.com/file.torrent")
	if err != nil {
		t.Fatalf("RawLink returned error: %v", err)
	}
	if string(got) != "https://example.com/file.torrent" {
		t.Errorf("RawLink = %q", got)
	}
}

func TestRawLink_AddressHelper(t *testing.T) {
	// "hi?" のbase64は "aGk/"、I2P形式では '/' が '~' になる
	got, err := RawLink("http://tracker.i2p/announce?i2paddresshelper=aGk~")
	if err != nil {
		t.Fatalf("RawLink returned error: %v", err)
	}
	want := "d1:a3:hi?1:h11:tracker.i2pe"
	if string(got) != want {
		t.Errorf("RawLink = %q, want %q", got, want)
	}
}

func TestRawLink_BadHelper(t *testing.T) {
	if _, err := RawLink("http://tracker.i2p/?i2paddresshelper=!!!"); err == nil {
		t.Error("不正なアドレスヘルパーはエラーになるべき")
	}
}
