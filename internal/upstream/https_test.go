package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSPool_GetClient_Monotonic(t *testing.T) {
	pool := NewHTTPSPool(HTTPSPoolConfig{})

	c1 := pool.GetClient("doh.example.cn")
	c2 := pool.GetClient("doh.example.cn")
	assert.Same(t, c1, c2, "repeated GetClient for the same SNI must reuse the client")

	c3 := pool.GetClient("other.example.cn")
	assert.NotSame(t, c1, c3, "distinct SNIs must get distinct clients")
}

func TestHTTPSPool_GetClient_ConcurrentSafe(t *testing.T) {
	pool := NewHTTPSPool(HTTPSPoolConfig{})

	results := make(chan *http.Client, 50)
	for i := 0; i < 50; i++ {
		go func() {
			results <- pool.GetClient("race.example.cn")
		}()
	}

	first := <-results
	for i := 1; i < 50; i++ {
		assert.Same(t, first, <-results)
	}
}

func TestHTTPSPool_Do_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	pool := NewHTTPSPool(HTTPSPoolConfig{})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, cancel, err := pool.Do(context.Background(), "localhost", req)
	require.NoError(t, err)
	defer cancel()
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPSPool_Do_ConnectionFailureSynthesizes502(t *testing.T) {
	pool := NewHTTPSPool(HTTPSPoolConfig{ConnectTimeout: 1})
	req, err := http.NewRequest(http.MethodGet, "https://127.0.0.1:1", nil)
	require.NoError(t, err)

	resp, cancel, err := pool.Do(context.Background(), "unreachable.example.cn", req)
	defer cancel()
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "unreachable.example.cn", upErr.Upstream)
}

func TestHTTPSPoolConfig_Defaults(t *testing.T) {
	cfg := HTTPSPoolConfig{}.withDefaults()
	assert.Equal(t, defaultKeepAlive, cfg.KeepAlive)
	assert.Equal(t, defaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, defaultMaxIdleConnsPerHost, cfg.MaxIdleConnsPerHost)
}
