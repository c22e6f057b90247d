// Package wecom is a small client for sending WeCom (WeChat Work) application messages.
//
// Usage:
//
//	msg, err := wecom.NewBuilder().
//		ToUsers("robin", "tom").
//		FromAgent(42).
//		Build(wecom.Text{Content: "Hello"})
//	if err != nil {
//		return err
//	}
//	client, err := wecom.New(ctx, wecom.Config{CorpID: corpID, Secret: secret})
//	if err != nil {
//		return err
//	}
//	resp, err := client.Send(ctx, msg)
//
// Errors are one of *ValidationError, *AuthError, *VendorError or *TransportError.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public WeCom API host.
	DefaultBaseURL = "https://qyapi.weixin.qq.com"

	defaultRefreshMargin      = 300 * time.Second
	defaultMinRefreshInterval = 10 * time.Second
	defaultTokenLifetime      = 7200 * time.Second
	maxResponseBytes          = 1 << 20
)

// Config configures a Client. Only CorpID and Secret are required.
type Config struct {
	CorpID string
	Secret string

	BaseURL    string       // default DefaultBaseURL
	HTTPClient *http.Client // default SharedHTTPClient(10s)
	Logger     *slog.Logger
	Store      TokenStore // default NewMemoryStore()

	// RefreshMargin renews the token this long before it expires (default 5m).
	RefreshMargin time.Duration
	// MinRefreshInterval refuses refreshes closer together than this (default 10s,
	// negative disables). The vendor throttles frequent gettoken calls.
	MinRefreshInterval time.Duration

	// Now is the clock used for token validity. Defaults to time.Now.
	Now func() time.Time
}

// Client sends application messages on behalf of one corp ID / secret pair.
// It is safe for concurrent use.
type Client struct {
	baseURL string
	corpID  string
	secret  string
	http    *http.Client
	logger  *slog.Logger
	now     func() time.Time
	creds   *credentials
}

// New creates a Client and fetches the initial access token. It fails with *AuthError
// when the vendor rejects the credentials or cannot be reached.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.CorpID == "" || cfg.Secret == "" {
		return nil, &AuthError{Code: -1, Message: "corp ID and secret are required"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = defaultRefreshMargin
	}
	switch {
	case cfg.MinRefreshInterval == 0:
		cfg.MinRefreshInterval = defaultMinRefreshInterval
	case cfg.MinRefreshInterval < 0:
		cfg.MinRefreshInterval = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		corpID:  cfg.CorpID,
		secret:  cfg.Secret,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	c.creds = &credentials{
		key:         StoreKey(cfg.CorpID, cfg.Secret),
		store:       cfg.Store,
		margin:      cfg.RefreshMargin,
		minInterval: cfg.MinRefreshInterval,
		now:         cfg.Now,
		fetch:       c.fetchToken,
	}

	if _, err := c.creds.get(ctx); err != nil {
		return nil, err
	}
	c.logger.Info("wecom client ready", "corp", cfg.CorpID, "token_expires", c.creds.expiresAt())
	return c, nil
}

// TokenExpiry reports when the cached access token expires. The token itself is not
// exposed.
func (c *Client) TokenExpiry() time.Time {
	return c.creds.expiresAt()
}

// Send delivers msg. A non-zero vendor errcode is returned as *VendorError together
// with the decoded response; HTTP-level failures as *TransportError.
//
// If the vendor reports the access token as invalid or expired, the token is refreshed
// and the message is sent once more.
func (c *Client) Send(ctx context.Context, msg *Message) (*SendResponse, error) {
	if msg == nil {
		return nil, &ValidationError{Field: "message", Reason: "is nil"}
	}
	if msg.payload == nil {
		return nil, &ValidationError{Field: "msgtype", Reason: "payload is required"}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, &ValidationError{Field: msg.MsgType(), Reason: err.Error()}
	}

	token, err := c.creds.get(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("sending message", "agent", msg.AgentID(), "msgtype", msg.MsgType())
	resp, err := c.post(ctx, token, body)
	if err != nil {
		return nil, err
	}

	if tokenRejected(resp.ErrCode) {
		c.logger.Warn("access token rejected, refreshing", "errcode", resp.ErrCode)
		token, err = c.creds.invalidate(ctx, token)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("resending message", "agent", msg.AgentID(), "msgtype", msg.MsgType())
		resp, err = c.post(ctx, token, body)
		if err != nil {
			return nil, err
		}
	}

	if !resp.OK() {
		return resp, &VendorError{Code: resp.ErrCode, Message: resp.ErrMsg, Response: resp}
	}
	c.logger.Debug("message sent", "msgid", resp.MsgID)
	return resp, nil
}

func (c *Client) post(ctx context.Context, token string, body []byte) (*SendResponse, error) {
	endpoint := c.baseURL + "/cgi-bin/message/send?" + url.Values{"access_token": {token}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	var resp SendResponse
	if err := c.do(req, "send", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) fetchToken(ctx context.Context) (Token, error) {
	q := url.Values{"corpid": {c.corpID}, "corpsecret": {c.secret}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cgi-bin/gettoken?"+q.Encode(), nil)
	if err != nil {
		return Token{}, &AuthError{Err: err}
	}

	var tr tokenResponse
	if err := c.do(req, "gettoken", &tr); err != nil {
		return Token{}, &AuthError{Err: err}
	}
	if tr.ErrCode != 0 {
		return Token{}, &AuthError{Code: tr.ErrCode, Message: tr.ErrMsg}
	}
	if tr.AccessToken == "" {
		return Token{}, &AuthError{Code: -1, Message: "empty access_token in response"}
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	now := c.now()
	c.logger.Info("access token refreshed", "expires_in", lifetime)
	return Token{Value: tr.AccessToken, ObtainedAt: now, ExpiresAt: now.Add(lifetime)}, nil
}

// do executes req and decodes the JSON envelope into out. A non-2xx status is only a
// transport error when the body does not hold an envelope.
func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	decodeErr := json.Unmarshal(data, out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env struct {
			ErrCode *int `json:"errcode"`
		}
		if decodeErr != nil || json.Unmarshal(data, &env) != nil || env.ErrCode == nil {
			return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", truncate(data, 200))}
		}
		return nil
	}
	if decodeErr != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", decodeErr)}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
