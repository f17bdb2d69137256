package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"syncwake/internal/domain"
)

// BridgeConfig configures a JSON-over-HTTP chat bridge.
type BridgeConfig struct {
	Platform   string
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	// RetryBase scales retry backoff; zero means one second.
	RetryBase time.Duration
}

// BridgeClient implements domain.ChatAPI against a bridge exposing
//
//	GET /v1/entities                          -> [{"id","label","is_group"}]
//	GET /v1/entities/{id}/messages?after=N    -> [{"id","sender","from_self","timestamp","body","attachment","caption"}]
type BridgeClient struct {
	platform  string
	baseURL   string
	token     string
	client    *http.Client
	retryBase time.Duration
	logger    *slog.Logger
}

func NewBridgeClient(cfg BridgeConfig) *BridgeClient {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &BridgeClient{
		platform:  cfg.Platform,
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:     strings.TrimSpace(cfg.Token),
		client:    cfg.HTTPClient,
		retryBase: cfg.RetryBase,
		logger:    cfg.Logger.With("platform", cfg.Platform),
	}
}

func (b *BridgeClient) Platform() string { return b.platform }

func (b *BridgeClient) ListEntities(ctx context.Context) ([]domain.EntityDescriptor, error) {
	body, err := b.get(ctx, "/v1/entities")
	if err != nil {
		return nil, err
	}
	var out []domain.EntityDescriptor
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: decode entities: %v", domain.ErrTransientSource, b.platform, err)
	}
	valid := out[:0]
	for _, d := range out {
		if d.NativeID == "" {
			b.logger.Warn("bridge entity without id skipped", "label", d.Label)
			continue
		}
		valid = append(valid, d)
	}
	return valid, nil
}

func (b *BridgeClient) FetchSince(ctx context.Context, nativeID string, cursor int64) ([]domain.ChatMessage, error) {
	path := "/v1/entities/" + url.PathEscape(nativeID) + "/messages?after=" + strconv.FormatInt(cursor, 10)
	body, err := b.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: %s: decode messages: %v", domain.ErrTransientSource, b.platform, err)
	}

	msgs := make([]domain.ChatMessage, 0, len(items))
	for i, raw := range items {
		msg, ok := decodeBridgeItem(raw)
		if !ok {
			b.logger.Warn("bridge item without usable id skipped", "entity", nativeID, "index", i)
			continue
		}
		if msg.ID <= cursor {
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func (b *BridgeClient) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := newBackoff(b.retryBase, b.logger).do(ctx, b.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if b.token != "" {
			req.Header.Set("Authorization", "Bearer "+b.token)
		}
		return req, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrTransientSource, b.platform, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %v", domain.ErrTransientSource, b.platform, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: GET %s: HTTP %d: %s", domain.ErrTransientSource, b.platform, path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

type bridgeAttachment struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

type bridgeItem struct {
	ID         int64             `json:"id"`
	Sender     string            `json:"sender"`
	FromSelf   bool              `json:"from_self"`
	Timestamp  json.RawMessage   `json:"timestamp"`
	Body       string            `json:"body"`
	Attachment *bridgeAttachment `json:"attachment"`
	Caption    string            `json:"caption"`
}

// decodeBridgeItem decodes one item. It returns ok=false only when no id can
// be recovered; other defects produce a Malformed message.
func decodeBridgeItem(raw json.RawMessage) (domain.ChatMessage, bool) {
	var item bridgeItem
	if err := json.Unmarshal(raw, &item); err != nil {
		var idOnly struct {
			ID json.Number `json:"id"`
		}
		if json.Unmarshal(raw, &idOnly) != nil {
			return domain.ChatMessage{}, false
		}
		id, convErr := idOnly.ID.Int64()
		if convErr != nil || id <= 0 {
			return domain.ChatMessage{}, false
		}
		return domain.ChatMessage{ID: id, Malformed: err.Error()}, true
	}
	if item.ID <= 0 {
		return domain.ChatMessage{}, false
	}

	msg := domain.ChatMessage{
		ID:       item.ID,
		Sender:   strings.TrimSpace(item.Sender),
		FromSelf: item.FromSelf,
		Body:     item.Body,
		Caption:  item.Caption,
	}
	if item.Attachment != nil {
		msg.AttachmentKind = strings.ToLower(item.Attachment.Kind)
		if item.Attachment.Name != "" && (msg.AttachmentKind == "file" || msg.AttachmentKind == "") {
			msg.AttachmentKind = "file:" + item.Attachment.Name
		}
	}

	ts, err := parseTimestamp(item.Timestamp)
	switch {
	case err != nil:
		msg.Malformed = "bad timestamp: " + err.Error()
	case msg.Sender == "" && !msg.FromSelf:
		msg.Malformed = "missing sender"
	}
	msg.Timestamp = ts
	return msg, true
}

// parseTimestamp accepts RFC 3339 strings and unix seconds or milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, errors.New("missing")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		return time.Parse(time.RFC3339, s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, err
	}
	v, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return time.Time{}, ferr
		}
		v = int64(f)
	}
	if v <= 0 {
		return time.Time{}, fmt.Errorf("invalid epoch %d", v)
	}
	// signal-cli reports milliseconds.
	if v > 1e12 {
		return time.UnixMilli(v), nil
	}
	return time.Unix(v, 0), nil
}
