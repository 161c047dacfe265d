package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/feedrelay/internal/model"
)

// webhookBurst はティック開始時に連続送信を許可する件数。
const webhookBurst = 10

// webhookPayload はWebhookエンドポイントに送信するJSON。
type webhookPayload struct {
	ID       string `json:"id"`
	Network  string `json:"network"`
	Channel  string `json:"channel"`
	Role     string `json:"role"`
	Nickname string `json:"nickname,omitempty"`
	Message  string `json:"message,omitempty"`
	// Raw は生メッセージ。encoding/jsonによりbase64で送信される。
	Raw    []byte    `json:"raw,omitempty"`
	SaveIt bool      `json:"save_messages"`
	SentAt time.Time `json:"sent_at"`
}

// WebhookTransport はメッセージをHTTP Webhookに転送するTransport実装。
// チャンネルごとにx/time/rateで送信間隔を制御する。
// Bindの呼び出しごとに独立したHandleを返し、同じチャンネルの送信間隔は参照カウント付きで共有する。
type WebhookTransport struct {
	endpoint   string
	client     *http.Client
	ratePerMin int
	logger     *slog.Logger

	mu       sync.Mutex
	channels map[string]*webhookChannel
	handles  map[*webhookHandle]struct{}
	closed   bool
}

// webhookChannel は(ネットワーク, キー, 役割)ごとに共有される状態。
type webhookChannel struct {
	network model.Network
	key     string
	role    model.Role
	limiter *rate.Limiter
	refs    int

	availableFrom time.Time
}

// NewWebhookTransport はWebhookTransportを生成する。endpointが空の場合は未初期化のままになる。
func NewWebhookTransport(endpoint string, client *http.Client, ratePerMin int, logger *slog.Logger) *WebhookTransport {
	if ratePerMin <= 0 {
		ratePerMin = 30
	}
	return &WebhookTransport{
		endpoint:   endpoint,
		client:     client,
		ratePerMin: ratePerMin,
		logger:     logger,
		channels:   make(map[string]*webhookChannel),
		handles:    make(map[*webhookHandle]struct{}),
	}
}

// Initialised はエンドポイントが設定され、閉じられていないかを返す。
func (t *WebhookTransport) Initialised() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint != "" && !t.closed
}

// Bind は通常役割のチャンネルへの新しい参照を返す。
func (t *WebhookTransport) Bind(ctx context.Context, network model.Network, key string) (Handle, error) {
	return t.handle(network, key, model.RoleNormal)
}

func (t *WebhookTransport) handle(network model.Network, key string, role model.Role) (Handle, error) {
	h, err := t.acquire(network, key, role)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (t *WebhookTransport) acquire(network model.Network, key string, role model.Role) (*webhookHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.endpoint == "" || t.closed {
		return nil, model.ErrDestinationUnavailable
	}

	id := channelID(network, key, role)
	ch, ok := t.channels[id]
	if !ok {
		ch = &webhookChannel{
			network:       network,
			key:           key,
			role:          role,
			limiter:       rate.NewLimiter(rate.Every(time.Minute/time.Duration(t.ratePerMin)), webhookBurst),
			availableFrom: time.Now(),
		}
		t.channels[id] = ch
	}
	ch.refs++

	h := &webhookHandle{transport: t, channel: ch, sharedNick: true}
	t.handles[h] = struct{}{}
	return h, nil
}

// Handles はバインド済みで破棄されていない参照を返す。
func (t *WebhookTransport) Handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Handle, 0, len(t.handles))
	for h := range t.handles {
		out = append(out, h)
	}
	return out
}

// Channels は参照されているチャンネル数を返す。
func (t *WebhookTransport) Channels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Close は全参照を破棄し、以降のバインドを拒否する。
func (t *WebhookTransport) Close() {
	t.mu.Lock()
	handles := t.handles
	t.handles = make(map[*webhookHandle]struct{})
	t.channels = make(map[string]*webhookChannel)
	t.closed = true
	t.mu.Unlock()

	for h := range handles {
		h.markDestroyed()
	}
}

// release は参照を1つ解放し、最後の参照であればチャンネルを破棄する。
func (t *WebhookTransport) release(h *webhookHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handles[h]; !ok {
		return
	}
	delete(t.handles, h)

	ch := h.channel
	ch.refs--
	if ch.refs > 0 {
		return
	}
	id := channelID(ch.network, ch.key, ch.role)
	if cur, ok := t.channels[id]; ok && cur == ch {
		delete(t.channels, id)
	}
}

func (t *WebhookTransport) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.ID)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP status %d", resp.StatusCode)
	}
	return nil
}

func channelID(network model.Network, key string, role model.Role) string {
	return string(network) + "/" + string(role) + "/" + key
}

// webhookHandle はWebhookTransportのチャンネルへの1つの参照。
// お気に入りやニックネームなどの設定は参照ごとに持つ。
type webhookHandle struct {
	transport *WebhookTransport
	channel   *webhookChannel

	mu         sync.Mutex
	favourite  bool
	save       bool
	sharedNick bool
	nick       string
	destroyed  bool
}

func (h *webhookHandle) NetAndKey() string {
	return string(h.channel.network) + ": " + h.channel.key
}

func (h *webhookHandle) IsAvailable() bool {
	return !h.channel.availableFrom.IsZero()
}

func (h *webhookHandle) IsDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

func (h *webhookHandle) IsManagedFor(network model.Network, key string) bool {
	ch := h.channel
	return ch.role == model.RoleAdmin && ch.network == network && ch.key == key
}

func (h *webhookHandle) IsReadOnlyFor(network model.Network, key string) bool {
	ch := h.channel
	return ch.role == model.RoleReadOnly && ch.network == network && ch.key == key
}

func (h *webhookHandle) ManagedSibling(ctx context.Context) (Handle, error) {
	return h.transport.handle(h.channel.network, h.channel.key, model.RoleAdmin)
}

func (h *webhookHandle) ReadOnlySibling(ctx context.Context) (Handle, error) {
	return h.transport.handle(h.channel.network, h.channel.key, model.RoleReadOnly)
}

func (h *webhookHandle) SetFavourite(favourite bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.favourite = favourite
}

func (h *webhookHandle) SetSaveMessages(save bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.save = save
}

func (h *webhookHandle) SetSharedNickname(shared bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sharedNick = shared
}

func (h *webhookHandle) SetInstanceNickname(nick string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nick = nick
}

func (h *webhookHandle) SendMessage(ctx context.Context, message string) error {
	return h.send(ctx, webhookPayload{Message: message})
}

func (h *webhookHandle) SendRawMessage(ctx context.Context, message []byte) error {
	return h.send(ctx, webhookPayload{Raw: message})
}

func (h *webhookHandle) send(ctx context.Context, payload webhookPayload) error {
	if h.IsDestroyed() {
		return model.ErrDestinationUnavailable
	}
	if err := h.channel.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	h.mu.Lock()
	payload.ID = uuid.NewString()
	payload.Network = string(h.channel.network)
	payload.Channel = h.channel.key
	payload.Role = string(h.channel.role)
	payload.SaveIt = h.save
	if !h.sharedNick {
		payload.Nickname = h.nick
	}
	h.mu.Unlock()
	payload.SentAt = time.Now().UTC()

	if err := h.transport.post(ctx, payload); err != nil {
		return model.NewDestinationError("send", err)
	}
	return nil
}

// URL はチャンネルを識別するURIを返す。
func (h *webhookHandle) URL() string {
	ch := h.channel
	net := "public"
	if ch.network == model.NetworkAnonymous {
		net = "anon"
	}
	u := "chat:" + net + "?" + url.QueryEscape(ch.key)
	if ch.role != model.RoleNormal {
		u += "&role=" + string(ch.role)
	}
	return u
}

// Destroy はこの参照だけを破棄する。同じチャンネルの他の参照には影響しない。
func (h *webhookHandle) Destroy() {
	h.markDestroyed()
	h.transport.release(h)
}

func (h *webhookHandle) markDestroyed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
}
