package salt

import (
	"context"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"saltypie/pkg/metrics"
	tracing "saltypie/pkg/observability"
)

// Session owns the salt-api token and its expiry. It is not safe for
// concurrent use: token check and refresh are not atomic.
type Session struct {
	transport *Transport
	username  string
	password  string
	eauth     string
	clock     Clock
	log       *zap.Logger

	token  string
	expiry time.Time
}

// NewSession returns a Session that has not logged in yet.
func NewSession(transport *Transport, username, password, eauth string, clock Clock, log *zap.Logger) *Session {
	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		transport: transport,
		username:  username,
		password:  password,
		eauth:     eauth,
		clock:     clock,
		log:       log,
	}
}

// Token returns the current token, empty before the first login.
func (s *Session) Token() string { return s.token }

// Expiry returns when the current token stops being valid.
func (s *Session) Expiry() time.Time { return s.expiry }

// TokenIsExpired reports whether a fresh login is needed. It is true until a
// token has been obtained.
func (s *Session) TokenIsExpired() bool {
	if s.token == "" {
		return true
	}
	now := s.clock.Now()
	s.log.Debug("Time until authentication token expires", zap.Duration("remaining", s.expiry.Sub(now)))
	return s.expiry.Before(now)
}

// Ensure logs in when the token is missing or expired.
func (s *Session) Ensure(ctx context.Context) error {
	if !s.TokenIsExpired() {
		return nil
	}
	_, _, err := s.Login(ctx, "")
	return err
}

// Header returns the headers that authenticate a request.
func (s *Session) Header() http.Header {
	h := http.Header{}
	if s.token != "" {
		h.Set(AuthTokenHeader, s.token)
	}
	return h
}

// Login exchanges the credentials for a token. An empty eauth uses the
// session default.
func (s *Session) Login(ctx context.Context, eauth string) (token string, expiry time.Time, err error) {
	if eauth == "" {
		eauth = s.eauth
	}
	ctx, span := tracing.Start(ctx, "salt.Login")
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.LoginsTotal.WithLabelValues(outcome).Inc()
		tracing.End(span, err)
	}()

	s.log.Debug("Authenticating to salt-api", zap.String("eauth", eauth), zap.String("username", s.username))

	resp, err := s.transport.Send(ctx, http.MethodPost, "login", map[string]interface{}{
		"username": s.username,
		"password": s.password,
		"eauth":    eauth,
	}, nil, 0)
	if err != nil {
		return "", time.Time{}, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return "", time.Time{}, &AuthenticationError{
			URL:        resp.URL,
			StatusCode: resp.StatusCode,
			Msg:        "Unable to authenticate to salt-api using provided credentials",
		}
	}

	token, expiry, ok := parseLogin(resp)
	if !ok {
		return "", time.Time{}, &AuthenticationError{
			URL:         resp.URL,
			StatusCode:  resp.StatusCode,
			ServiceDown: resp.StatusCode == http.StatusServiceUnavailable,
			Msg:         "Unable to connect to salt-api",
		}
	}

	s.token = token
	s.expiry = expiry
	s.log.Debug("Authentication succeeded", zap.Time("expires", expiry))
	return token, expiry, nil
}

// parseLogin extracts return[0].token and return[0].expire.
func parseLogin(resp *Response) (string, time.Time, bool) {
	body, err := resp.Decode()
	if err != nil {
		return "", time.Time{}, false
	}
	first, ok := body.First().(map[string]interface{})
	if !ok {
		return "", time.Time{}, false
	}
	token, ok := first["token"].(string)
	if !ok || token == "" {
		return "", time.Time{}, false
	}
	expire, ok := first["expire"].(float64)
	if !ok {
		return "", time.Time{}, false
	}
	sec, frac := math.Modf(expire)
	return token, time.Unix(int64(sec), int64(frac*float64(time.Second))), true
}
