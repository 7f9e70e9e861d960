package salt

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"saltypie/pkg/logger"
	"saltypie/pkg/metrics"
	tracing "saltypie/pkg/observability"
)

// Defaults for Config fields left at their zero value.
const (
	DefaultEauth          = "pam"
	DefaultTimeout        = 60 * time.Second
	DefaultMaxRetries     = 3
	DefaultLookupInterval = time.Second
)

// Config is the constructor-level client configuration.
type Config struct {
	URL      string
	Username string
	Password string
	// Eauth is the external authentication method, "pam" when empty
	Eauth string
	// TrustHost skips TLS certificate verification
	TrustHost bool
	// Timeout bounds each HTTP request and is also the pause between retries
	Timeout time.Duration
	// MaxRetries is the retry budget for dropped connections. Zero disables retries.
	MaxRetries int
	// LookupInterval is the pause between job status lookups while polling
	LookupInterval time.Duration
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig(url, username, password string) Config {
	return Config{
		URL:            url,
		Username:       username,
		Password:       password,
		Eauth:          DefaultEauth,
		Timeout:        DefaultTimeout,
		MaxRetries:     DefaultMaxRetries,
		LookupInterval: DefaultLookupInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.Eauth == "" {
		c.Eauth = DefaultEauth
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.LookupInterval <= 0 {
		c.LookupInterval = DefaultLookupInterval
	}
	return c
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger used by the client and its session.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// Client submits jobs to salt-api. Like Session it holds mutable token state
// and must not be shared between goroutines without external locking.
type Client struct {
	cfg       Config
	transport *Transport
	session   *Session
	clock     Clock
	log       *zap.Logger
}

// New builds a Client. No request is made until the first Execute or Login.
func New(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:   cfg.withDefaults(),
		clock: SystemClock,
		log:   logger.Named("salt"),
	}
	for _, opt := range opts {
		opt(c)
	}

	transport, err := NewTransport(c.cfg.URL, c.cfg.TrustHost, c.cfg.Timeout, c.cfg.MaxRetries, c.clock, c.log.Named("transport"))
	if err != nil {
		return nil, err
	}
	c.transport = transport
	c.session = NewSession(transport, c.cfg.Username, c.cfg.Password, c.cfg.Eauth, c.clock, c.log.Named("session"))
	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Session exposes the token state.
func (c *Client) Session() *Session { return c.session }

// Login forces a new token using eauth, or the configured method when empty.
func (c *Client) Login(ctx context.Context, eauth string) error {
	_, _, err := c.session.Login(ctx, eauth)
	return err
}

// Execute runs req. The result is the parsed body for ModeSync, the job
// acknowledgement for ModeAsync and the completed job lookup for
// ModeAsyncWait. A ModeAsyncWait submission without a job ID means the target
// matched no minions and yields an empty result.
func (c *Client) Execute(ctx context.Context, req JobRequest) (RawResult, error) {
	start := c.clock.Now()
	ctx, span := tracing.Start(ctx, "salt.Execute",
		attribute.String("salt.fun", req.Function),
		attribute.String("salt.client", req.ClientName()),
		attribute.String("salt.mode", req.Mode.String()),
	)

	ret, err := c.execute(ctx, req)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordExecution(req.Function, string(req.clientType()), req.Mode.String(), outcome, c.clock.Now().Sub(start).Seconds())
	tracing.End(span, err)
	return ret, err
}

func (c *Client) execute(ctx context.Context, req JobRequest) (RawResult, error) {
	payload, err := req.Payload()
	if err != nil {
		return nil, err
	}
	if err := c.session.Ensure(ctx); err != nil {
		return nil, err
	}

	c.log.Debug("Executing salt command", zap.Any("payload", payload))
	resp, err := c.transport.Send(ctx, http.MethodPost, "", payload, c.session.Header(), 0)
	if err != nil {
		return nil, err
	}
	body, err := resp.Decode()
	if err != nil {
		return nil, err
	}

	if req.Mode != ModeAsyncWait {
		return body, nil
	}

	handle, ok := body.JobHandle()
	if !ok {
		c.log.Debug("Unable to retrieve JID. Assuming no jobs were executed")
		if req.Target != "" {
			c.log.Debug("Targeting might have matched no minions", zap.String("target", req.Target))
		}
		return RawResult{}, nil
	}
	return c.PollUntilComplete(ctx, handle.JID, c.cfg.LookupInterval)
}

// Local runs req on minions.
func (c *Client) Local(ctx context.Context, req JobRequest) (RawResult, error) {
	req.Client = ClientLocal
	return c.Execute(ctx, req)
}

// LocalAsync submits req to minions without waiting, or polls it to completion
// when wait is set.
func (c *Client) LocalAsync(ctx context.Context, req JobRequest, wait bool) (RawResult, error) {
	req.Client = ClientLocal
	req.Mode = asyncMode(wait)
	return c.Execute(ctx, req)
}

// Runner runs req on the master.
func (c *Client) Runner(ctx context.Context, req JobRequest) (RawResult, error) {
	req.Client = ClientRunner
	return c.Execute(ctx, req)
}

// RunnerAsync is the master-side counterpart of LocalAsync.
func (c *Client) RunnerAsync(ctx context.Context, req JobRequest, wait bool) (RawResult, error) {
	req.Client = ClientRunner
	req.Mode = asyncMode(wait)
	return c.Execute(ctx, req)
}

// Wheel sends a wheel command to the master.
func (c *Client) Wheel(ctx context.Context, req JobRequest) (RawResult, error) {
	req.Client = ClientWheel
	return c.Execute(ctx, req)
}

func asyncMode(wait bool) Mode {
	if wait {
		return ModeAsyncWait
	}
	return ModeAsync
}

// Highstate applies the full state tree on target and waits for the result.
func (c *Client) Highstate(ctx context.Context, target string) (RawResult, error) {
	return c.Execute(ctx, JobRequest{
		Function: "state.apply",
		Client:   ClientLocal,
		Target:   target,
		Mode:     ModeAsyncWait,
	})
}

// Versions is the salt version of the master and of each minion.
type Versions struct {
	Master  string            `json:"master"`
	Minions map[string]string `json:"minions"`
}

// Versions runs manage.versions on the master.
func (c *Client) Versions(ctx context.Context) (*Versions, error) {
	ret, err := c.Runner(ctx, JobRequest{Function: "manage.versions"})
	if err != nil {
		return nil, err
	}
	first, ok := ret.First().(map[string]interface{})
	if !ok {
		return nil, NewReturnParseError("manage.versions returned no data", nil)
	}

	v := &Versions{Minions: map[string]string{}}
	master, ok := first["Master"].(string)
	if !ok {
		return nil, NewReturnParseError("manage.versions return has no master version", nil)
	}
	v.Master = master
	for _, group := range []string{"Up to date", "Minion requires update"} {
		minions, _ := first[group].(map[string]interface{})
		for id, version := range minions {
			v.Minions[id] = fmt.Sprint(version)
		}
	}
	return v, nil
}
