// Package security はフィードとアセット取得時の安全対策を提供する。
package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// userAgent はフィードとアセット取得時に送信するUser-Agent。
const userAgent = "feedrelay/1.0"

// ErrTooLarge は応答が最大サイズを超えたことを示す。
var ErrTooLarge = errors.New("response exceeds size limit")

// SSRFGuardService はSSRF防止機能のインターフェースを定義する。
// フィード取得とアセット（パッケージファイル、サムネイル）取得の両方で使用される。
type SSRFGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はURLを静的に検証する。
	// DNS解決後のアドレス検証はNewSafeClientのDialer側で行われる。
	ValidateURL(rawURL string) error
}

var allowedSchemes = []string{"http", "https"}

// allowedPorts はフィードサーバーでよく使われるポート。
var allowedPorts = []int{80, 443, 8080, 8443}

// blockedNetworks はパッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

type ssrfGuard struct{}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを返す。
// プライベート、ループバック、リンクローカルの各アドレスへの接続は
// DNS解決後にDialerのControlフックで拒否される。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はスキーム、ホスト、IPリテラルを検証する。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %q", scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Downloader はURLの事前検証とサイズ制限付きでリソースを取得する。
// フィード文書とアイテムアセットの取得に共通で使用する。
type Downloader struct {
	client   *http.Client
	validate func(string) error
	maxSize  int64
}

// NewDownloader はガードのクライアントと検証を使うDownloaderを生成する。
func NewDownloader(guard SSRFGuardService, timeout time.Duration, maxSize int64) *Downloader {
	return &Downloader{
		client:   guard.NewSafeClient(timeout),
		validate: guard.ValidateURL,
		maxSize:  maxSize,
	}
}

// NewDownloaderWithClient は任意のクライアントを使うDownloaderを生成する。
// URLの静的検証は行わない。
func NewDownloaderWithClient(client *http.Client, maxSize int64) *Downloader {
	return &Downloader{
		client:   client,
		validate: func(string) error { return nil },
		maxSize:  maxSize,
	}
}

// Get はrawURLの内容を取得する。200以外の応答と最大サイズ超過はエラーになる。
func (d *Downloader) Get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := d.validate(rawURL); err != nil {
		return nil, fmt.Errorf("URL検証に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d from %s", resp.StatusCode, rawURL)
	}

	// 上限+1バイトまで読み、超過を検出する
	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	if int64(len(body)) > d.maxSize {
		return nil, ErrTooLarge
	}
	return body, nil
}
