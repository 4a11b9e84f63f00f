package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"magicer/domain"
	"magicer/logger"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
	logger.Init("error")
}

type fakeClassifier struct {
	content func(ctx context.Context, id domain.RequestID, filename string, r io.Reader) (domain.Outcome, error)
	path    func(ctx context.Context, id domain.RequestID, filename, rel string) (domain.Outcome, error)
}

func (f *fakeClassifier) ClassifyContent(ctx context.Context, id domain.RequestID, filename string, r io.Reader) (domain.Outcome, error) {
	return f.content(ctx, id, filename, r)
}

func (f *fakeClassifier) ClassifyPath(ctx context.Context, id domain.RequestID, filename, rel string) (domain.Outcome, error) {
	return f.path(ctx, id, filename, rel)
}

func outcome(t *testing.T, id domain.RequestID, filename, mime string) domain.Outcome {
	t.Helper()
	name, err := domain.NewFilename(filename)
	if err != nil {
		t.Fatal(err)
	}
	m, err := domain.ParseMimeType(mime)
	if err != nil {
		t.Fatal(err)
	}
	return domain.NewOutcome(domain.Request{ID: id, Filename: name}, m, "PDF document, version 1.4", "binary", domain.StrategyMemory)
}

// echoClassifier reads the whole body, as the real orchestrator does.
func echoClassifier(t *testing.T) *fakeClassifier {
	return &fakeClassifier{
		content: func(_ context.Context, id domain.RequestID, filename string, r io.Reader) (domain.Outcome, error) {
			if _, err := io.ReadAll(r); err != nil {
				return domain.Outcome{}, domain.Errorf(domain.KindInternal, "classify.content", err, "reading content")
			}
			return outcome(t, id, filename, "application/pdf"), nil
		},
		path: func(_ context.Context, id domain.RequestID, filename, _ string) (domain.Outcome, error) {
			return outcome(t, id, filename, "application/pdf"), nil
		},
	}
}

func do(h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	s := New(echoClassifier(t), Options{SignatureDB: "00ff", Hostname: "node-1", AuthUsername: "u", AuthPassword: "p"})
	rec := do(s.Handler(), http.MethodGet, "/v1/ping", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != "pong" || body["signature_db"] != "00ff" || body["hostname"] != "node-1" {
		t.Fatalf("body = %v", body)
	}
	if body["request_id"] == "" || rec.Header().Get(requestIDHeader) != body["request_id"] {
		t.Fatalf("request id not echoed: %v / %q", body, rec.Header().Get(requestIDHeader))
	}
}

func TestContentSuccess(t *testing.T) {
	s := New(echoClassifier(t), Options{})
	const id = "0f8fad5b-d9cb-469f-a165-70867728950e"
	rec := do(s.Handler(), http.MethodPost, "/v1/magic/content?filename=report.pdf", "%PDF-1.4", http.Header{requestIDHeader: {id}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var body successBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.RequestID != id || body.Filename != "report.pdf" || body.Result.MimeType != "application/pdf" {
		t.Fatalf("body = %+v", body)
	}
	if body.Result.Encoding != "binary" || body.AnalyzedAt.IsZero() {
		t.Fatalf("body = %+v", body)
	}
}

func TestInvalidRequestIDIsReplaced(t *testing.T) {
	s := New(echoClassifier(t), Options{})
	rec := do(s.Handler(), http.MethodGet, "/v1/ping", "", http.Header{requestIDHeader: {"not-a-uuid"}})
	got := rec.Header().Get(requestIDHeader)
	if got == "" || got == "not-a-uuid" {
		t.Fatalf("request id = %q", got)
	}
}

func TestPathRoutePassesQuery(t *testing.T) {
	var gotName, gotRel string
	fc := &fakeClassifier{path: func(_ context.Context, id domain.RequestID, filename, rel string) (domain.Outcome, error) {
		gotName, gotRel = filename, rel
		return outcome(t, id, filename, "text/plain"), nil
	}}
	s := New(fc, Options{})
	rec := do(s.Handler(), http.MethodPost, "/v1/magic/path?filename=a.txt&path=docs/a.txt", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotName != "a.txt" || gotRel != "docs/a.txt" {
		t.Fatalf("classifier saw %q %q", gotName, gotRel)
	}
}

func TestBasicAuth(t *testing.T) {
	s := New(echoClassifier(t), Options{AuthUsername: "admin", AuthPassword: "secret"})

	rec := do(s.Handler(), http.MethodPost, "/v1/magic/content?filename=a.pdf", "x", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/magic/content?filename=a.pdf", strings.NewReader("x"))
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d", rec.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	s := New(echoClassifier(t), Options{MaxBodyBytes: 4})
	rec := do(s.Handler(), http.MethodPost, "/v1/magic/content?filename=a.bin", "0123456789", nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "request body too large" || body.RequestID == "" {
		t.Fatalf("body = %+v", body)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"validation", domain.Errorf(domain.KindValidation, "op", &domain.Error{Kind: domain.KindValidation, Err: domain.ErrTooLong}, "invalid filename"), http.StatusBadRequest, "invalid filename: value exceeds maximum length"},
		{"not found", domain.Errorf(domain.KindNotFound, "op", nil, "docs/a.txt not found"), http.StatusNotFound, "docs/a.txt not found"},
		{"forbidden", domain.Errorf(domain.KindPermissionDenied, "op", nil, "x is not readable"), http.StatusForbidden, "x is not readable"},
		{"storage", domain.Errorf(domain.KindStorageExhausted, "op", nil, "1 MB free"), http.StatusInsufficientStorage, "1 MB free"},
		{"engine", domain.Errorf(domain.KindEngine, "op", nil, "engine panicked"), http.StatusUnprocessableEntity, "engine panicked"},
		{"deadline", domain.Errorf(domain.KindDeadlineExceeded, "op", context.DeadlineExceeded, "too slow"), http.StatusGatewayTimeout, "too slow"},
		{"retries", domain.Errorf(domain.KindRetriesExceeded, "op", nil, "10 attempts in /var/tmp/magicer"), http.StatusInternalServerError, "internal error"},
		{"internal", domain.Errorf(domain.KindInternal, "op", fmt.Errorf("open /srv/secret: %w", errors.New("boom")), "opening file"), http.StatusInternalServerError, "internal error"},
		{"untyped", errors.New("/etc/passwd exploded"), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fc := &fakeClassifier{content: func(context.Context, domain.RequestID, string, io.Reader) (domain.Outcome, error) {
				return domain.Outcome{}, tc.err
			}}
			rec := do(New(fc, Options{}).Handler(), http.MethodPost, "/v1/magic/content?filename=a", "x", nil)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Error != tc.msg {
				t.Fatalf("error = %q, want %q", body.Error, tc.msg)
			}
		})
	}
}

func TestConcurrencyLimit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	fc := &fakeClassifier{content: func(_ context.Context, id domain.RequestID, filename string, _ io.Reader) (domain.Outcome, error) {
		close(entered)
		<-release
		return outcome(t, id, filename, "text/plain"), nil
	}}
	h := New(fc, Options{MaxConnections: 1}).Handler()

	var wg sync.WaitGroup
	wg.Add(1)
	var first int
	go func() {
		defer wg.Done()
		first = do(h, http.MethodPost, "/v1/magic/content?filename=a", "x", nil).Code
	}()
	<-entered
	if rec := do(h, http.MethodPost, "/v1/magic/content?filename=b", "x", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("second request status = %d", rec.Code)
	}
	close(release)
	wg.Wait()
	if first != http.StatusOK {
		t.Fatalf("first request status = %d", first)
	}
}

func TestRateLimit(t *testing.T) {
	h := New(echoClassifier(t), Options{RequestsPerSecond: 0.001}).Handler()
	if rec := do(h, http.MethodPost, "/v1/magic/content?filename=a", "x", nil); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/v1/magic/content?filename=a", "x", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h := New(echoClassifier(t), Options{}).Handler()
	if rec := do(h, http.MethodGet, "/v1/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/v1/magic/content", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPanicRecovered(t *testing.T) {
	fc := &fakeClassifier{content: func(context.Context, domain.RequestID, string, io.Reader) (domain.Outcome, error) {
		panic("boom")
	}}
	rec := do(New(fc, Options{}).Handler(), http.MethodPost, "/v1/magic/content?filename=a", "x", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}
