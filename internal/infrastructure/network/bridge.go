// Package network fetches top-level documents and reports the results to the
// orchestrator as network events.
//
// The bridge owns no navigation state. Every event carries the browsing
// context and generation of the attempt it belongs to; the orchestrator drops
// events for superseded attempts.
package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/saintfish/chardet"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/constellation/internal/domain/message"
	"github.com/GriffinCanCode/constellation/internal/infrastructure/config"
	"github.com/GriffinCanCode/constellation/internal/shared/id"
)

// Request names one document fetch.
type Request struct {
	Context    id.BrowsingContextID
	Generation id.Generation
	URL        string
	Referrer   string
}

// Recorder receives fetch outcomes.
type Recorder interface {
	RecordFetch(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordFetch(string) {}

// maxBody is the default document size limit. Larger responses fail the
// navigation.
const maxBody = 8 << 20

var errServer = errors.New("server error")

type redirectKey struct{}

// Bridge fetches documents over HTTP.
type Bridge struct {
	client    *resty.Client
	limiter   *rate.Limiter
	cfg       config.NetworkConfig
	log       *zap.Logger
	recorder  Recorder
	tlsConfig *tls.Config
	bodyLimit int

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRecorder reports fetch outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(b *Bridge) { b.recorder = r }
}

// WithRateLimit caps outgoing fetches per second.
func WithRateLimit(rps float64) Option {
	return func(b *Bridge) {
		if rps > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
		}
	}
}

// WithBodyLimit caps the size of a fetched document in bytes.
func WithBodyLimit(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.bodyLimit = n
		}
	}
}

// WithTLSConfig overrides the transport's TLS settings.
func WithTLSConfig(tc *tls.Config) Option {
	return func(b *Bridge) { b.tlsConfig = tc }
}

// NewBridge creates a bridge with retrying transport and per-host breakers.
func NewBridge(cfg config.NetworkConfig, log *zap.Logger, opts ...Option) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{
		limiter:   rate.NewLimiter(rate.Inf, 0),
		cfg:       cfg,
		log:       log,
		recorder:  nopRecorder{},
		bodyLimit: maxBody,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(b)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = 50 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = nil
	// The outer client follows redirects so each hop can be reported.
	retryClient.HTTPClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if transport, ok := retryClient.HTTPClient.Transport.(*http.Transport); ok && b.tlsConfig != nil {
		transport.TLSClientConfig = b.tlsConfig
	}

	b.client = resty.NewWithClient(retryClient.StandardClient())
	b.client.
		SetTimeout(cfg.Timeout).
		SetResponseBodyLimit(b.bodyLimit).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8").
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if len(via) > cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			if report, ok := req.Context().Value(redirectKey{}).(func(from, to string)); ok && len(via) > 0 {
				report(via[len(via)-1].URL.String(), req.URL.String())
			}
			return nil
		}))
	return b
}

// Fetch starts fetching req in the background and reports on out. Cancelling
// ctx abandons the fetch without reporting.
func (b *Bridge) Fetch(ctx context.Context, req Request, out message.Outbox) {
	go func() {
		ev := b.fetch(ctx, req, func(from, to string) {
			out.Send(message.Redirect{Context: req.Context, Generation: req.Generation, From: from, To: to})
		})
		if ctx.Err() != nil {
			b.recorder.RecordFetch("cancelled")
			return
		}
		out.Send(ev)
	}()
}

func (b *Bridge) breaker(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[host]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     b.cfg.BreakerOpenDelay,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= b.cfg.BreakerFailures
			},
			// An oversized document says nothing about the host's health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, resty.ErrResponseBodyTooLarge)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				b.log.Info("Circuit breaker state change",
					zap.String("host", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		b.breakers[host] = cb
	}
	return cb
}

func (b *Bridge) fetch(ctx context.Context, req Request, onRedirect func(from, to string)) message.NetworkEvent {
	failed := func(outcome, reason string) message.NetworkEvent {
		b.recorder.RecordFetch(outcome)
		return message.FetchFailed{Context: req.Context, Generation: req.Generation, URL: req.URL, Reason: reason}
	}

	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return failed("invalid_url", fmt.Sprintf("unsupported URL %q", req.URL))
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return failed("cancelled", err.Error())
	}

	reqCtx := context.WithValue(ctx, redirectKey{}, onRedirect)
	result, err := b.breaker(target.Host).Execute(func() (interface{}, error) {
		r := b.client.R().SetContext(reqCtx)
		if req.Referrer != "" {
			r.SetHeader("Referer", req.Referrer)
		}
		resp, err := r.Get(req.URL)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return resp, errServer
		}
		return resp, nil
	})

	resp, _ := result.(*resty.Response)
	switch {
	case errors.Is(err, errServer) && resp != nil:
		// Error statuses still produce a document.
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return failed("breaker_open", fmt.Sprintf("host %s is failing: %v", target.Host, err))
	case errors.Is(err, resty.ErrResponseBodyTooLarge):
		return failed("too_large", fmt.Sprintf("document larger than %d bytes", b.bodyLimit))
	case err != nil:
		if reason, ok := certificateError(err); ok {
			b.recorder.RecordFetch("certificate_error")
			return message.CertificateError{Context: req.Context, Generation: req.Generation, URL: req.URL, Reason: reason}
		}
		return failed("failed", err.Error())
	}

	b.recorder.RecordFetch("ok")
	return b.response(req, resp)
}

func (b *Bridge) response(req Request, resp *resty.Response) message.ResponseHeaders {
	body := resp.Body()

	finalURL := req.URL
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL.String()
	}

	contentType, charset := ContentType(resp.Header().Get("Content-Type"), body)
	header := make(map[string][]string, len(resp.Header()))
	for k, v := range resp.Header() {
		header[k] = append([]string(nil), v...)
	}

	return message.ResponseHeaders{
		Context:     req.Context,
		Generation:  req.Generation,
		URL:         finalURL,
		Status:      resp.StatusCode(),
		ContentType: contentType,
		Charset:     charset,
		Header:      header,
		Body:        body,
	}
}

// ContentType resolves the media type and charset of a response, sniffing
// the body when the header is missing or vague.
func ContentType(header string, body []byte) (string, string) {
	mediaType, params, err := mime.ParseMediaType(header)
	if err != nil || mediaType == "" || mediaType == "application/octet-stream" {
		detected := mimetype.Detect(body)
		mediaType, params, _ = mime.ParseMediaType(detected.String())
	}
	charset := strings.ToLower(params["charset"])
	if charset == "" && strings.HasPrefix(mediaType, "text/") && len(body) > 0 {
		if result, err := chardet.NewTextDetector().DetectBest(body); err == nil {
			charset = strings.ToLower(result.Charset)
		}
	}
	return mediaType, charset
}

func certificateError(err error) (string, bool) {
	var verify *tls.CertificateVerificationError
	if errors.As(err, &verify) {
		return verify.Err.Error(), true
	}
	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		return unknown.Error(), true
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		return hostname.Error(), true
	}
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		return invalid.Error(), true
	}
	return "", false
}
