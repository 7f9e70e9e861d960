package salt

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"saltypie/pkg/metrics"
	tracing "saltypie/pkg/observability"
	"saltypie/pkg/resilience"
)

// Header names exchanged with salt-api.
const (
	AuthTokenHeader = "X-Auth-Token"
	RequestIDHeader = "X-Request-ID"
)

// Response is a fully read salt-api HTTP response.
type Response struct {
	StatusCode int
	URL        string
	Header     http.Header
	Body       []byte
}

// Decode parses the body as a JSON object.
func (r *Response) Decode() (RawResult, error) {
	var body RawResult
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return nil, newReturnParseError("Unable to parse API return as JSON", r.StatusCode, r.Body, err)
	}
	return body, nil
}

// Transport performs JSON requests against salt-api with a bounded retry
// budget for connections dropped by the peer.
type Transport struct {
	base       *url.URL
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	clock      Clock
	log        *zap.Logger
}

// NewTransport builds a Transport for baseURL. trustHost disables
// certificate verification.
func NewTransport(baseURL string, trustHost bool, timeout time.Duration, maxRetries int, clock Clock, log *zap.Logger) (*Transport, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid salt-api url %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid salt-api url %q: scheme and host are required", baseURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: trustHost} //nolint:gosec // opt-in via trust_host

	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Transport{
		base:       base,
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
		maxRetries: maxRetries,
		clock:      clock,
		log:        log,
	}, nil
}

// URL resolves path against the base URL the same way a browser would.
func (t *Transport) URL(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return t.base.String()
	}
	return t.base.ResolveReference(ref).String()
}

// Send posts body as JSON (or issues a bodyless request when body is nil) and
// reads the whole response. A zero timeout uses the transport default.
//
// Connections closed by the peer are retried up to maxRetries times with a
// pause equal to the request timeout. Read timeouts and connections that could
// not be opened at all are not retried. All of these end in a *ConnectionError;
// every other failure is returned unchanged.
func (t *Transport) Send(ctx context.Context, method, path string, body interface{}, header http.Header, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = t.timeout
	}
	target := t.URL(path)

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	var resp *Response
	policy := resilience.RetryPolicy{
		MaxRetries: t.maxRetries,
		Delay:      timeout,
		Retriable:  isRemoteDisconnect,
		Sleep:      t.clock.Sleep,
		OnRetry: func(retry int, err error) {
			metrics.TransportRetries.Inc()
			t.log.Debug("Connection lost, sleeping before retry",
				zap.Error(err),
				zap.Duration("delay", timeout),
				zap.Int("retry", retry),
				zap.Int("max_retries", t.maxRetries),
			)
		},
	}

	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = t.do(ctx, method, target, payload, header, timeout)
		return err
	})
	if err == nil {
		metrics.RecordRequest(path, resp.StatusCode)
		return resp, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, err
	case isTimeout(err):
		t.log.Error("salt-api read timeout", zap.String("url", target), zap.Error(err))
		return nil, &ConnectionError{URL: target, Msg: "Unable to read response from server due to connection timeout", Err: err}
	case isRemoteDisconnect(err):
		t.log.Error("salt-api connection lost, retries exhausted", zap.String("url", target), zap.Error(err))
		return nil, &ConnectionError{URL: target, Msg: fmt.Sprintf("Unable to access `%s`", t.base), Err: err}
	case isConnectFailure(err):
		t.log.Error("salt-api unreachable", zap.String("url", target), zap.Error(err))
		return nil, &ConnectionError{URL: target, Msg: fmt.Sprintf("Unable to access `%s`", t.base), Err: err}
	default:
		t.log.Error("salt-api request failed", zap.String("url", target), zap.Error(err))
		return nil, err
	}
}

func (t *Transport) do(ctx context.Context, method, target string, payload []byte, header http.Header, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	tracing.Inject(ctx, propagation.HeaderCarrier(req.Header))

	t.log.Debug("salt-api request",
		zap.String("method", method),
		zap.String("url", target),
		zap.String("request_id", requestID),
	)

	httpResp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		URL:        target,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// isRemoteDisconnect reports whether the peer closed the connection mid-request.
func isRemoteDisconnect(err error) bool {
	if err == nil || isTimeout(err) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "server closed idle connection") ||
		strings.Contains(msg, "connection reset by peer")
}

// isConnectFailure reports whether no connection could be established: refused,
// unroutable or an unresolvable host.
func isConnectFailure(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
