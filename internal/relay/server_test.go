package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"wecomagent/internal/dispatch"
	"wecomagent/internal/metrics"
	"wecomagent/pkg/wecom"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// mockDispatcher returns res/err and keeps the last request.
type mockDispatcher struct {
	res    *dispatch.Result
	err    error
	last   dispatch.Request
	source string
	calls  int
}

func (m *mockDispatcher) Dispatch(_ context.Context, req dispatch.Request, source string) (*dispatch.Result, error) {
	m.calls++
	m.last = req
	m.source = source
	return m.res, m.err
}

const textBody = `{"touser":["robin"],"msgtype":"text","text":{"content":"hi"}}`

func newTestServer(d Dispatcher, secret string) (*Server, *metrics.MetricsCollector) {
	col := metrics.NewMetricsCollector()
	return New(Config{Dispatcher: d, Secret: secret, Metrics: col, MetricsPath: "/metrics", Logger: testLogger()}), col
}

func post(t *testing.T, s *Server, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(textBody)
	if !verifyHMAC(body, "test-secret", Sign(body, "test-secret")) {
		t.Error("valid HMAC should verify")
	}
	if verifyHMAC(body, "test-secret", "sha256=invalid") {
		t.Error("invalid HMAC should not verify")
	}
	if verifyHMAC(body, "test-secret", "") {
		t.Error("empty signature should not verify")
	}
}

func TestSend_Success(t *testing.T) {
	d := &mockDispatcher{res: &dispatch.Result{
		DeliveryID: "d-1",
		Response:   &wecom.SendResponse{MsgID: "m-1", InvalidUser: "ghost"},
	}}
	s, col := newTestServer(d, "")

	rec := post(t, s, textBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	m := decodeBody(t, rec)
	if m["status"] != "sent" || m["msgid"] != "m-1" || m["id"] != "d-1" {
		t.Fatalf("unexpected body: %v", m)
	}
	if users, _ := m["invaliduser"].([]any); len(users) != 1 || users[0] != "ghost" {
		t.Fatalf("invaliduser = %v", m["invaliduser"])
	}
	if d.source != "relay" || d.last.MsgType != "text" {
		t.Fatalf("unexpected dispatch: %q %+v", d.source, d.last)
	}
	if col.RelayRequests(http.StatusOK).Value() != 1 {
		t.Fatal("relay request counter not incremented")
	}
}

func TestSend_InvalidJSON(t *testing.T) {
	d := &mockDispatcher{}
	s, _ := newTestServer(d, "")

	rec := post(t, s, `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if d.calls != 0 {
		t.Fatal("dispatcher should not be called for invalid JSON")
	}
}

func TestSend_ValidationError(t *testing.T) {
	d := &mockDispatcher{err: &wecom.ValidationError{Field: "recipients", Reason: "required"}}
	s, _ := newTestServer(d, "")

	rec := post(t, s, textBody, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(decodeBody(t, rec)["error"].(string), "recipients") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestSend_VendorRejection(t *testing.T) {
	resp := &wecom.SendResponse{ErrCode: 81013, ErrMsg: "all invalid", InvalidUser: "a|b"}
	d := &mockDispatcher{
		res: &dispatch.Result{DeliveryID: "d-7", Response: resp},
		err: &wecom.VendorError{Code: 81013, Message: "all invalid", Response: resp},
	}
	s, _ := newTestServer(d, "")

	rec := post(t, s, textBody, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	m := decodeBody(t, rec)
	if m["status"] != "rejected" || m["errcode"] != float64(81013) || m["id"] != "d-7" {
		t.Fatalf("unexpected body: %v", m)
	}
	if users, _ := m["invaliduser"].([]any); len(users) != 2 {
		t.Fatalf("invaliduser = %v", m["invaliduser"])
	}
}

func TestSend_UpstreamFailures(t *testing.T) {
	for _, err := range []error{
		&wecom.TransportError{Op: "send", StatusCode: 502, Err: errors.New("bad gateway")},
		&wecom.AuthError{Code: 40001, Message: "invalid secret"},
	} {
		s, _ := newTestServer(&mockDispatcher{err: err}, "")
		rec := post(t, s, textBody, nil)
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("%T: status = %d", err, rec.Code)
		}
	}
}

func TestSend_Signature(t *testing.T) {
	d := &mockDispatcher{res: &dispatch.Result{Response: &wecom.SendResponse{}}}
	s, _ := newTestServer(d, "relay-secret")

	if rec := post(t, s, textBody, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: status = %d", rec.Code)
	}
	if rec := post(t, s, textBody, map[string]string{"X-Signature-256": "sha256=deadbeef"}); rec.Code != http.StatusForbidden {
		t.Fatalf("bad signature: status = %d", rec.Code)
	}
	if d.calls != 0 {
		t.Fatal("unsigned requests must not be dispatched")
	}

	sig := Sign([]byte(textBody), "relay-secret")
	if rec := post(t, s, textBody, map[string]string{"X-Signature-256": sig}); rec.Code != http.StatusOK {
		t.Fatalf("valid signature: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestSend_BodyTooLarge(t *testing.T) {
	s, _ := newTestServer(&mockDispatcher{}, "")
	big := `{"touser":["robin"],"msgtype":"text","text":{"content":"` + strings.Repeat("x", maxBodyBytes) + `"}}`

	rec := post(t, s, big, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSend_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(&mockDispatcher{}, "")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(&mockDispatcher{}, "")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	failing := New(Config{
		Dispatcher: &mockDispatcher{},
		Metrics:    metrics.NewMetricsCollector(),
		Health:     func(context.Context) error { return errors.New("history db unavailable") },
	})
	rec = httptest.NewRecorder()
	failing.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, col := newTestServer(&mockDispatcher{}, "")
	col.Sends(metrics.ResultOK).Inc()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "wecom_sends_total") {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	s := New(Config{Port: freePort(t), Dispatcher: &mockDispatcher{}, Metrics: metrics.NewMetricsCollector(), Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start returned %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
