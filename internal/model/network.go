package model

import "strings"

// Network はアドレスのネットワーク分類。
type Network string

const (
	// NetworkPublic は通常のインターネット。
	NetworkPublic Network = "public"
	// NetworkAnonymous は匿名ネットワーク（I2P/Tor）。
	NetworkAnonymous Network = "anonymous"
)

// ClassifyHost はホスト名をネットワーク分類に振り分ける。
func ClassifyHost(host string) Network {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if strings.HasSuffix(h, ".i2p") || strings.HasSuffix(h, ".onion") {
		return NetworkAnonymous
	}
	return NetworkPublic
}
