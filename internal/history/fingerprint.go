package history

import (
	"crypto/sha1"
	"strings"

	"github.com/hitoshi/feedrelay/internal/model"
)

// Fingerprint は永続化される重複判定キー。識別子文字列のSHA-1先頭8バイト。
type Fingerprint [8]byte

// maxWebseeds はこの数を超えるws=パラメータを持つ記述子から全てのws=を除去する。
const maxWebseeds = 4

// FingerprintOf は識別子文字列からフィンガープリントを導出する。
func FingerprintOf(id string) Fingerprint {
	sum := sha1.Sum([]byte(id))
	var fp Fingerprint
	copy(fp[:], sum[:8])
	return fp
}

// String はフィンガープリントのbase32表現を返す。
func (fp Fingerprint) String() string {
	return model.Base32.EncodeToString(fp[:])
}

// EncodeKey は識別子文字列のフィンガープリントをbase32で返す。
// 履歴キーや項目フォルダ名に使用する。
func EncodeKey(id string) string {
	return FingerprintOf(id).String()
}

// CollapseWebseeds は記述子のws=パラメータが4個を超える場合、それらを全て除去する。
// 同一項目がポーリングごとに異なるウェブシード部分集合で符号化されても
// 同じフィンガープリントになるようにする。4個以下の場合は変更しない。
func CollapseWebseeds(descriptor string) string {
	bits := strings.Split(descriptor, "&")
	kept := make([]string, 0, len(bits))
	numWS := 0
	for _, bit := range bits {
		if strings.HasPrefix(strings.ToLower(bit), "ws=") {
			numWS++
			continue
		}
		kept = append(kept, bit)
	}
	if numWS > maxWebseeds {
		return strings.Join(kept, "&")
	}
	return descriptor
}

func base32Decode(s string) ([]byte, error) {
	return model.Base32.DecodeString(s)
}
