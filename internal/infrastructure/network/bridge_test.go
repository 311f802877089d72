package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/config"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

type countingRecorder struct{ outcomes chan string }

func (c countingRecorder) RecordFetch(outcome string) { c.outcomes <- outcome }

func testConfig() config.NetworkConfig {
	cfg := config.Default().Network
	cfg.RetryMax = 0
	cfg.Timeout = 5 * time.Second
	return cfg
}

var ctxID = id.BrowsingContextID{Namespace: 1, Index: 1}

func fetchAll(t *testing.T, b *Bridge, url string) []message.Message {
	t.Helper()
	ch := make(chan message.Message, 16)
	b.Fetch(context.Background(), Request{Context: ctxID, Generation: 3, URL: url}, message.NewOutbox(ch, make(chan struct{})))

	var got []message.Message
	for {
		select {
		case msg := <-ch:
			got = append(got, msg)
			if _, isRedirect := msg.(message.Redirect); !isRedirect {
				return got
			}
		case <-time.After(5 * time.Second):
			t.Fatal("fetch never completed")
			return nil
		}
	}
}

func TestFetchDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><title>ok</title></html>"))
	}))
	defer server.Close()

	got := fetchAll(t, NewBridge(testConfig(), zaptest.NewLogger(t)), server.URL)
	require.Len(t, got, 1)

	resp, ok := got[0].(message.ResponseHeaders)
	require.True(t, ok)
	assert.Equal(t, ctxID, resp.Context)
	assert.Equal(t, id.Generation(3), resp.Generation)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/html", resp.ContentType)
	assert.Equal(t, "utf-8", resp.Charset)
	assert.Contains(t, string(resp.Body), "<title>ok</title>")
}

func TestFetchReportsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<p>moved</p>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	got := fetchAll(t, NewBridge(testConfig(), zaptest.NewLogger(t)), server.URL+"/old")
	require.Len(t, got, 2)

	redirect := got[0].(message.Redirect)
	assert.Equal(t, server.URL+"/old", redirect.From)
	assert.Equal(t, server.URL+"/new", redirect.To)

	resp := got[1].(message.ResponseHeaders)
	assert.Equal(t, server.URL+"/new", resp.URL)
}

func TestServerErrorStillProducesDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("<h1>down</h1>"))
	}))
	defer server.Close()

	got := fetchAll(t, NewBridge(testConfig(), zaptest.NewLogger(t)), server.URL)
	resp, ok := got[0].(message.ResponseHeaders)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestOversizedDocumentFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.BreakerFailures = 1
	recorder := countingRecorder{outcomes: make(chan string, 8)}
	b := NewBridge(cfg, zaptest.NewLogger(t), WithRecorder(recorder), WithBodyLimit(1024))

	for i := 0; i < 2; i++ {
		got := fetchAll(t, b, server.URL)
		failed, ok := got[0].(message.FetchFailed)
		require.True(t, ok, "got %T", got[0])
		assert.Contains(t, failed.Reason, "1024 bytes")
		assert.Equal(t, "too_large", <-recorder.outcomes)
	}
}

func TestCertificateError(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	got := fetchAll(t, NewBridge(testConfig(), zaptest.NewLogger(t)), server.URL)
	certErr, ok := got[0].(message.CertificateError)
	require.True(t, ok, "got %T", got[0])
	assert.NotEmpty(t, certErr.Reason)
	assert.Equal(t, id.Generation(3), certErr.Generation)
}

func TestTrustedTLSConfig(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer server.Close()

	tlsConfig := server.Client().Transport.(*http.Transport).TLSClientConfig
	got := fetchAll(t, NewBridge(testConfig(), zaptest.NewLogger(t), WithTLSConfig(tlsConfig)), server.URL)
	_, ok := got[0].(message.ResponseHeaders)
	assert.True(t, ok, "got %T", got[0])
}

func TestFetchFailedAndBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	cfg := testConfig()
	cfg.BreakerFailures = 2
	cfg.BreakerOpenDelay = time.Minute
	recorder := countingRecorder{outcomes: make(chan string, 8)}
	b := NewBridge(cfg, zaptest.NewLogger(t), WithRecorder(recorder))

	for i := 0; i < 2; i++ {
		got := fetchAll(t, b, url)
		_, ok := got[0].(message.FetchFailed)
		require.True(t, ok, "got %T", got[0])
		assert.Equal(t, "failed", <-recorder.outcomes)
	}

	got := fetchAll(t, b, url)
	failed := got[0].(message.FetchFailed)
	assert.Contains(t, failed.Reason, "failing")
	assert.Equal(t, "breaker_open", <-recorder.outcomes)
}

func TestUnsupportedScheme(t *testing.T) {
	got := fetchAll(t, NewBridge(testConfig(), zaptest.NewLogger(t)), "ftp://example.com/")
	_, ok := got[0].(message.FetchFailed)
	assert.True(t, ok)
}

func TestCancelledFetchIsSilent(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ch := make(chan message.Message, 4)
	ctx, cancel := context.WithCancel(context.Background())
	NewBridge(testConfig(), zaptest.NewLogger(t)).Fetch(ctx, Request{Context: ctxID, URL: server.URL}, message.NewOutbox(ch, make(chan struct{})))
	cancel()

	select {
	case msg := <-ch:
		t.Fatalf("cancelled fetch reported %T", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestContentTypeSniffing(t *testing.T) {
	mediaType, charset := ContentType("", []byte("<!DOCTYPE html><html><body>hi</body></html>"))
	assert.Equal(t, "text/html", mediaType)
	assert.Equal(t, "utf-8", charset)

	mediaType, _ = ContentType("application/octet-stream", []byte("%PDF-1.4"))
	assert.Equal(t, "application/pdf", mediaType)

	mediaType, charset = ContentType("text/plain; charset=ISO-8859-1", nil)
	assert.Equal(t, "text/plain", mediaType)
	assert.Equal(t, "iso-8859-1", charset)
}
