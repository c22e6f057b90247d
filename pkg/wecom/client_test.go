package wecom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// mockVendor imitates the gettoken and message/send endpoints.
type mockVendor struct {
	mu         sync.Mutex
	tokenCalls int
	sendCalls  int
	expiresIn  int64
	tokenReply string   // overrides the gettoken body when set
	sendReply  []string // one body per send call; the last one repeats
	sendStatus int
	sendDelay  time.Duration
	lastBody   map[string]any
	sentTokens []string
}

func (m *mockVendor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cgi-bin/gettoken", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.tokenCalls++
		n := m.tokenCalls
		reply := m.tokenReply
		expires := m.expiresIn
		m.mu.Unlock()

		if reply != "" {
			fmt.Fprint(w, reply)
			return
		}
		if expires == 0 {
			expires = 7200
		}
		if r.URL.Query().Get("corpid") != "corp" || r.URL.Query().Get("corpsecret") != "secret" {
			fmt.Fprint(w, `{"errcode":40001,"errmsg":"invalid credential"}`)
			return
		}
		fmt.Fprintf(w, `{"errcode":0,"errmsg":"ok","access_token":"tok-%d","expires_in":%d}`, n, expires)
	})
	mux.HandleFunc("POST /cgi-bin/message/send", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		m.mu.Lock()
		m.sendCalls++
		m.lastBody = body
		m.sentTokens = append(m.sentTokens, r.URL.Query().Get("access_token"))
		reply := `{"errcode":0,"errmsg":"ok","msgid":"msg-1"}`
		if len(m.sendReply) > 0 {
			idx := m.sendCalls - 1
			if idx >= len(m.sendReply) {
				idx = len(m.sendReply) - 1
			}
			reply = m.sendReply[idx]
		}
		status := m.sendStatus
		delay := m.sendDelay
		m.mu.Unlock()

		if delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
		if status != 0 {
			w.WriteHeader(status)
		}
		fmt.Fprint(w, reply)
	})
	return mux
}

func (m *mockVendor) counts() (tokens, sends int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCalls, m.sendCalls
}

func startVendor(t *testing.T, m *mockVendor) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(m.handler())
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, clock *fakeClock) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		CorpID:     "corp",
		Secret:     "secret",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Logger:     testLogger(),
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func helloMessage(t *testing.T) *Message {
	t.Helper()
	msg, err := NewBuilder().ToUsers("robin", "tom").FromAgent(42).Build(Text{Content: "Hello"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return msg
}

// --- Construction ---

func TestNew_FetchesInitialToken(t *testing.T) {
	vendor := &mockVendor{}
	srv := startVendor(t, vendor)
	clock := newFakeClock()

	c := newTestClient(t, srv, clock)

	tokens, sends := vendor.counts()
	if tokens != 1 || sends != 0 {
		t.Fatalf("expected 1 token call and 0 sends, got %d/%d", tokens, sends)
	}
	if want := clock.Now().Add(7200 * time.Second); !c.TokenExpiry().Equal(want) {
		t.Fatalf("expiry = %v, want %v", c.TokenExpiry(), want)
	}
}

func TestNew_VendorRejectsCredentials(t *testing.T) {
	vendor := &mockVendor{}
	srv := startVendor(t, vendor)

	_, err := New(context.Background(), Config{
		CorpID:     "corp",
		Secret:     "wrong",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
	if authErr.Code != 40001 {
		t.Fatalf("expected errcode 40001, got %d", authErr.Code)
	}
}

func TestNew_MissingCredentials(t *testing.T) {
	_, err := New(context.Background(), Config{CorpID: "corp"})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestNew_ConnectionFailureIsAuthError(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		return nil, errors.New("connection refused")
	})}

	_, err := New(context.Background(), Config{
		CorpID:     "corp",
		Secret:     "secret",
		BaseURL:    "http://wecom.invalid",
		HTTPClient: client,
	})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
	for _, p := range paths {
		if p == "/cgi-bin/message/send" {
			t.Fatal("send endpoint must not be called")
		}
	}
	if len(paths) != 1 || paths[0] != "/cgi-bin/gettoken" {
		t.Fatalf("expected a single gettoken attempt, got %v", paths)
	}
}

func TestNew_UndecodableTokenResponse(t *testing.T) {
	vendor := &mockVendor{tokenReply: "<html>gateway</html>"}
	srv := startVendor(t, vendor)

	_, err := New(context.Background(), Config{CorpID: "corp", Secret: "secret", BaseURL: srv.URL, HTTPClient: srv.Client()})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
}

// --- Send ---

func TestSend_SerializesTextMessage(t *testing.T) {
	vendor := &mockVendor{}
	srv := startVendor(t, vendor)
	c := newTestClient(t, srv, newFakeClock())

	resp, err := c.Send(context.Background(), helloMessage(t))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.MsgID != "msg-1" {
		t.Fatalf("expected msgid msg-1, got %q", resp.MsgID)
	}

	vendor.mu.Lock()
	body := vendor.lastBody
	sent := vendor.sentTokens
	vendor.mu.Unlock()

	if body["touser"] != "robin|tom" {
		t.Errorf("touser = %v", body["touser"])
	}
	if body["agentid"] != float64(42) {
		t.Errorf("agentid = %v", body["agentid"])
	}
	if body["msgtype"] != "text" {
		t.Errorf("msgtype = %v", body["msgtype"])
	}
	text, _ := body["text"].(map[string]any)
	if text["content"] != "Hello" {
		t.Errorf("text.content = %v", text["content"])
	}
	if len(sent) != 1 || sent[0] != "tok-1" {
		t.Errorf("expected access_token tok-1, got %v", sent)
	}
}

func TestSend_RefreshesOnlyAfterExpiry(t *testing.T) {
	vendor := &mockVendor{expiresIn: 60}
	srv := startVendor(t, vendor)
	clock := newFakeClock()
	c := newTestClient(t, srv, clock)

	if _, err := c.Send(context.Background(), helloMessage(t)); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if tokens, _ := vendor.counts(); tokens != 1 {
		t.Fatalf("first send must reuse the initial token, got %d token calls", tokens)
	}

	clock.Advance(61 * time.Second)

	if _, err := c.Send(context.Background(), helloMessage(t)); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if tokens, _ := vendor.counts(); tokens != 2 {
		t.Fatalf("expected exactly one re-fetch, got %d token calls", tokens)
	}

	vendor.mu.Lock()
	defer vendor.mu.Unlock()
	if vendor.sentTokens[0] != "tok-1" || vendor.sentTokens[1] != "tok-2" {
		t.Fatalf("unexpected tokens on the wire: %v", vendor.sentTokens)
	}
}

func TestSend_ShortLivedTokenRefreshesAfterExpiry(t *testing.T) {
	vendor := &mockVendor{expiresIn: 5}
	srv := startVendor(t, vendor)
	clock := newFakeClock()
	c := newTestClient(t, srv, clock)

	if _, err := c.Send(context.Background(), helloMessage(t)); err != nil {
		t.Fatalf("first send: %v", err)
	}

	// Expiry inside MinRefreshInterval must not be throttled.
	clock.Advance(6 * time.Second)

	if _, err := c.Send(context.Background(), helloMessage(t)); err != nil {
		t.Fatalf("second send: %v", err)
	}
	tokens, sends := vendor.counts()
	if tokens != 2 || sends != 2 {
		t.Fatalf("expected 2 token calls and 2 sends, got %d/%d", tokens, sends)
	}
}

func TestSend_RefreshesInsideMargin(t *testing.T) {
	vendor := &mockVendor{}
	srv := startVendor(t, vendor)
	clock := newFakeClock()
	c := newTestClient(t, srv, clock)

	// 7200s lifetime, 300s margin: 6950s in is inside the margin.
	clock.Advance(6950 * time.Second)
	if _, err := c.Send(context.Background(), helloMessage(t)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if tokens, _ := vendor.counts(); tokens != 2 {
		t.Fatalf("expected refresh inside margin, got %d token calls", tokens)
	}
}

func TestSend_ConcurrentCallersRefreshOnce(t *testing.T) {
	vendor := &mockVendor{expiresIn: 60}
	srv := startVendor(t, vendor)
	clock := newFakeClock()
	c := newTestClient(t, srv, clock)
	msg := helloMessage(t)

	clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Send(context.Background(), msg); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("send: %v", err)
	}

	tokens, sends := vendor.counts()
	if tokens != 2 {
		t.Fatalf("expected a single shared refresh, got %d token calls", tokens)
	}
	if sends != 10 {
		t.Fatalf("expected 10 sends, got %d", sends)
	}
}

func TestSend_VendorErrorCarriesCode(t *testing.T) {
	vendor := &mockVendor{sendReply: []string{
		`{"errcode":81013,"errmsg":"user & party & tag all invalid","invaliduser":"ghost|nobody"}`,
	}}
	srv := startVendor(t, vendor)
	c := newTestClient(t, srv, newFakeClock())

	resp, err := c.Send(context.Background(), helloMessage(t))

	var vendorErr *VendorError
	if !errors.As(err, &vendorErr) {
		t.Fatalf("expected *VendorError, got %T: %v", err, err)
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		t.Fatal("vendor error must not be reported as transport error")
	}
	if vendorErr.Code != 81013 || vendorErr.Message != "user & party & tag all invalid" {
		t.Fatalf("unexpected vendor error: %+v", vendorErr)
	}
	if resp == nil || len(resp.InvalidUsers()) != 2 || resp.InvalidUsers()[0] != "ghost" {
		t.Fatalf("expected invalid users passed through, got %+v", resp)
	}
}

func TestSend_TokenRejectedRefreshesAndResendsOnce(t *testing.T) {
	vendor := &mockVendor{sendReply: []string{
		`{"errcode":40014,"errmsg":"invalid access_token"}`,
		`{"errcode":0,"errmsg":"ok","msgid":"msg-2"}`,
	}}
	srv := startVendor(t, vendor)
	clock := newFakeClock()
	c := newTestClient(t, srv, clock)

	clock.Advance(time.Minute)

	resp, err := c.Send(context.Background(), helloMessage(t))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.MsgID != "msg-2" {
		t.Fatalf("expected response from the resend, got %+v", resp)
	}
	tokens, sends := vendor.counts()
	if tokens != 2 || sends != 2 {
		t.Fatalf("expected 2 token calls and 2 sends, got %d/%d", tokens, sends)
	}
}

func TestSend_TokenRejectedTwiceIsVendorError(t *testing.T) {
	vendor := &mockVendor{sendReply: []string{`{"errcode":42001,"errmsg":"access_token expired"}`}}
	srv := startVendor(t, vendor)
	clock := newFakeClock()
	c := newTestClient(t, srv, clock)

	clock.Advance(time.Minute)

	_, err := c.Send(context.Background(), helloMessage(t))
	var vendorErr *VendorError
	if !errors.As(err, &vendorErr) || vendorErr.Code != 42001 {
		t.Fatalf("expected vendor error 42001, got %v", err)
	}
	if _, sends := vendor.counts(); sends != 2 {
		t.Fatalf("expected exactly one resend, got %d sends", sends)
	}
}

func TestSend_RefreshThrottled(t *testing.T) {
	vendor := &mockVendor{sendReply: []string{`{"errcode":40014,"errmsg":"invalid access_token"}`}}
	srv := startVendor(t, vendor)
	c := newTestClient(t, srv, newFakeClock())

	_, err := c.Send(context.Background(), helloMessage(t))
	if !errors.Is(err, ErrRefreshTooFrequent) {
		t.Fatalf("expected ErrRefreshTooFrequent, got %v", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %T", err)
	}
	if tokens, _ := vendor.counts(); tokens != 1 {
		t.Fatalf("throttled refresh must not reach the vendor, got %d token calls", tokens)
	}
}

func TestSend_ThrottledRejectionNeverResendsRejectedToken(t *testing.T) {
	vendor := &mockVendor{sendReply: []string{
		`{"errcode":40014,"errmsg":"invalid access_token"}`,
		`{"errcode":0,"errmsg":"ok","msgid":"msg-2"}`,
	}}
	srv := startVendor(t, vendor)
	clock := newFakeClock()
	c := newTestClient(t, srv, clock)

	if _, err := c.Send(context.Background(), helloMessage(t)); !errors.Is(err, ErrRefreshTooFrequent) {
		t.Fatalf("expected ErrRefreshTooFrequent, got %v", err)
	}

	// The store still holds tok-1; it must not be reloaded and sent again.
	if _, err := c.Send(context.Background(), helloMessage(t)); !errors.Is(err, ErrRefreshTooFrequent) {
		t.Fatalf("expected ErrRefreshTooFrequent inside the throttle window, got %v", err)
	}
	if tokens, sends := vendor.counts(); tokens != 1 || sends != 1 {
		t.Fatalf("expected 1 token call and 1 send, got %d/%d", tokens, sends)
	}

	clock.Advance(11 * time.Second)

	resp, err := c.Send(context.Background(), helloMessage(t))
	if err != nil {
		t.Fatalf("send after throttle window: %v", err)
	}
	if resp.MsgID != "msg-2" {
		t.Fatalf("unexpected response %+v", resp)
	}
	vendor.mu.Lock()
	defer vendor.mu.Unlock()
	if got := vendor.sentTokens; len(got) != 2 || got[1] != "tok-2" {
		t.Fatalf("unexpected tokens on the wire: %v", got)
	}
}

func TestSend_Non2xxWithoutEnvelopeIsTransportError(t *testing.T) {
	vendor := &mockVendor{sendStatus: http.StatusBadGateway, sendReply: []string{"bad gateway"}}
	srv := startVendor(t, vendor)
	c := newTestClient(t, srv, newFakeClock())

	_, err := c.Send(context.Background(), helloMessage(t))
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if transportErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", transportErr.StatusCode)
	}
	var vendorErr *VendorError
	if errors.As(err, &vendorErr) {
		t.Fatal("transport failure must not be reported as vendor error")
	}
}

func TestSend_Non2xxWithEnvelopeIsVendorError(t *testing.T) {
	vendor := &mockVendor{sendStatus: http.StatusInternalServerError, sendReply: []string{`{"errcode":-1,"errmsg":"system busy"}`}}
	srv := startVendor(t, vendor)
	c := newTestClient(t, srv, newFakeClock())

	_, err := c.Send(context.Background(), helloMessage(t))
	var vendorErr *VendorError
	if !errors.As(err, &vendorErr) || vendorErr.Code != -1 {
		t.Fatalf("expected vendor error -1, got %v", err)
	}
}

func TestSend_HonorsContextDeadline(t *testing.T) {
	vendor := &mockVendor{sendDelay: 2 * time.Second}
	srv := startVendor(t, vendor)
	c := newTestClient(t, srv, newFakeClock())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Send(ctx, helloMessage(t))
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSend_NilMessage(t *testing.T) {
	vendor := &mockVendor{}
	srv := startVendor(t, vendor)
	c := newTestClient(t, srv, newFakeClock())

	for name, msg := range map[string]*Message{"nil": nil, "zero value": {}} {
		_, err := c.Send(context.Background(), msg)
		var valErr *ValidationError
		if !errors.As(err, &valErr) {
			t.Fatalf("%s: expected *ValidationError, got %v", name, err)
		}
	}
	if _, sends := vendor.counts(); sends != 0 {
		t.Fatal("unbuilt messages must not reach the vendor")
	}
}

func TestClients_ShareTokenStore(t *testing.T) {
	vendor := &mockVendor{}
	srv := startVendor(t, vendor)
	clock := newFakeClock()
	store := NewMemoryStore()

	cfg := Config{
		CorpID:     "corp",
		Secret:     "secret",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Store:      store,
		Now:        clock.Now,
	}
	if _, err := New(context.Background(), cfg); err != nil {
		t.Fatalf("first client: %v", err)
	}
	second, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second client: %v", err)
	}
	if tokens, _ := vendor.counts(); tokens != 1 {
		t.Fatalf("second client should reuse the stored token, got %d token calls", tokens)
	}
	if _, err := second.Send(context.Background(), helloMessage(t)); err != nil {
		t.Fatalf("send: %v", err)
	}
}
