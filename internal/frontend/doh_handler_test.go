package frontend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/dns-ingress-gateway/internal/metrics"
	"github.com/jroosing/dns-ingress-gateway/internal/rewrite"
)

func newTestRewriter(t *testing.T) *rewrite.Rewriter {
	t.Helper()
	r, err := rewrite.New(rewrite.Config{
		BaseDomains:     []string{"example.com"},
		TargetSuffix:    ".internal.test",
		FailureStrategy: rewrite.FailureError,
	}, nil, nil)
	require.NoError(t, err)
	return r
}

// fakePool redirects every forwarded request to a local httptest server,
// regardless of sni, while preserving everything the real HTTPSPool
// would leave untouched (method, headers, path, query, body).
type fakePool struct {
	client *http.Client
	target string // host:port of the stub upstream
}

func (f *fakePool) Do(ctx context.Context, sni string, req *http.Request) (*http.Response, context.CancelFunc, error) {
	req.URL.Scheme = "http"
	req.URL.Host = f.target
	resp, err := f.client.Do(req.WithContext(ctx))
	return resp, func() {}, err
}

func TestDoHHandler_RewritesAndForwards(t *testing.T) {
	var gotHost, gotPath string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotPath = r.URL.Path
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("answer-bytes"))
	}))
	defer upstreamSrv.Close()

	pool := &fakePool{client: upstreamSrv.Client(), target: upstreamSrv.Listener.Addr().String()}

	handler := NewDoHHandler(DoHHandlerConfig{
		Rewriter: newTestRewriter(t),
		Pool:     pool,
		Metrics:  metrics.New(),
	})

	req := httptest.NewRequest(http.MethodGet, "https://ignored/dns-query?dns=abc", nil)
	req.Host = "myapp.example.com"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "answer-bytes", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "/dns-query", gotPath)
	assert.Equal(t, "myapp.internal.test", gotHost)
}

func TestDoHHandler_MissingHostFails(t *testing.T) {
	handler := NewDoHHandler(DoHHandlerConfig{
		Rewriter: newTestRewriter(t),
		Pool:     &fakePool{},
		Metrics:  metrics.New(),
	})

	req := httptest.NewRequest(http.MethodGet, "https://example.com/dns-query", nil)
	req.Host = ""
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDoHHandler_NoMatchFails(t *testing.T) {
	handler := NewDoHHandler(DoHHandlerConfig{
		Rewriter: newTestRewriter(t),
		Pool:     &fakePool{},
		Metrics:  metrics.New(),
	})

	req := httptest.NewRequest(http.MethodGet, "https://unrelated.org/dns-query", nil)
	req.Host = "unrelated.org"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDoHHandler_UpstreamErrorStillWritesResponse(t *testing.T) {
	handler := NewDoHHandler(DoHHandlerConfig{
		Rewriter: newTestRewriter(t),
		Pool:     &fakePool{client: &http.Client{}, target: "127.0.0.1:1"},
		Metrics:  metrics.New(),
	})

	req := httptest.NewRequest(http.MethodGet, "https://ignored/dns-query", nil)
	req.Host = "myapp.example.com"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}
