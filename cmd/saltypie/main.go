package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	config "saltypie/configs"
	"saltypie/pkg/logger"
	"saltypie/pkg/metrics"
	tracing "saltypie/pkg/observability"
	"saltypie/pkg/output"
	"saltypie/pkg/resilience"
	"saltypie/pkg/salt"
)

// argList collects a repeatable flag, one positional argument per use.
type argList []string

func (a *argList) String() string { return strings.Join(*a, " ") }

func (a *argList) Set(v string) error {
	*a = append(*a, v)
	return nil
}

type options struct {
	configFile string
	function   string
	target     string
	targetType string
	client     string
	mode       string
	args       argList
	pillar     string
	parser     string
	maxIDChars int
	strict     bool
	schedule   string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configFile, "config", "", "YAML config file overlaid on the environment")
	flag.StringVar(&o.function, "fun", "state.apply", "salt function to run")
	flag.StringVar(&o.target, "tgt", "*", "target expression")
	flag.StringVar(&o.targetType, "tgt-type", "", "target type (glob, list, compound, ...)")
	flag.StringVar(&o.client, "client", "local", "salt-api client: local, runner or wheel")
	flag.StringVar(&o.mode, "mode", "sync", "execution mode: sync, async or async_wait")
	flag.Var(&o.args, "arg", "positional argument, repeat for several")
	flag.StringVar(&o.pillar, "pillar", "", "pillar data as a JSON object")
	flag.StringVar(&o.parser, "parse", "raw", "result parser: raw, state or orch")
	flag.IntVar(&o.maxIDChars, "max-id-chars", 0, "truncate step ids longer than this")
	flag.BoolVar(&o.strict, "strict", false, "fail when a failed orchestration step cannot be looked up")
	flag.StringVar(&o.schedule, "schedule", "", "cron expression; re-run the job on this schedule")
	flag.Parse()
	return o
}

func (o options) request() (salt.JobRequest, error) {
	req := salt.JobRequest{
		Function:   o.function,
		Client:     salt.ClientType(o.client),
		Target:     o.target,
		TargetType: o.targetType,
	}
	if len(o.args) > 0 {
		req.Args = append([]string(nil), o.args...)
	}
	if o.pillar != "" {
		if err := json.Unmarshal([]byte(o.pillar), &req.Pillar); err != nil {
			return req, fmt.Errorf("invalid -pillar: %w", err)
		}
	}
	if req.Client != salt.ClientLocal {
		req.Target = ""
	}

	switch o.mode {
	case salt.ModeSync.String():
		req.Mode = salt.ModeSync
	case salt.ModeAsync.String():
		req.Mode = salt.ModeAsync
	case salt.ModeAsyncWait.String():
		req.Mode = salt.ModeAsyncWait
	default:
		return req, fmt.Errorf("unknown -mode %q", o.mode)
	}
	return req, nil
}

func main() {
	opts := parseFlags()

	cfg := config.LoadConfig()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.LoadFile(opts.configFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	logCfg := logger.DefaultConfig("saltypie")
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogEncoding
	log, err := logger.Init(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	traceCfg := tracing.DefaultConfig("saltypie")
	traceCfg.Enabled = cfg.TracingEnabled
	traceCfg.Endpoint = cfg.TracingEndpoint
	provider, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown error", zap.Error(err))
		}
	}()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	req, err := opts.request()
	if err != nil {
		log.Fatal("Invalid job request", zap.Error(err))
	}

	client, err := salt.New(cfg.SaltConfig(), salt.WithLogger(log.Named("salt")))
	if err != nil {
		log.Fatal("Failed to create salt-api client", zap.Error(err))
	}

	run := func() error {
		result, err := runJob(ctx, client, req, opts, log)
		if err != nil {
			return err
		}
		return printJSON(result)
	}

	if opts.schedule == "" {
		if err := run(); err != nil {
			log.Error("Job failed", zap.String("fun", req.Function), zap.Error(err))
			os.Exit(1)
		}
		return
	}

	breaker := newMasterBreaker(log)
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(opts.schedule, func() {
		err := breaker.Execute(ctx, func(ctx context.Context) error { return run() })
		switch {
		case err == nil:
			metrics.ScheduledRuns.WithLabelValues("success").Inc()
		case errors.Is(err, resilience.ErrCircuitOpen):
			metrics.ScheduledRuns.WithLabelValues("skipped").Inc()
			log.Warn("salt-master unreachable, skipping scheduled run", zap.String("fun", req.Function))
		case errors.Is(err, context.Canceled):
		default:
			metrics.ScheduledRuns.WithLabelValues("failure").Inc()
			log.Error("Scheduled job failed", zap.String("fun", req.Function), zap.Error(err))
		}
	}); err != nil {
		log.Fatal("Invalid -schedule", zap.String("schedule", opts.schedule), zap.Error(err))
	}
	log.Info("Running on schedule", zap.String("schedule", opts.schedule), zap.String("fun", req.Function))
	scheduler.Start()

	<-ctx.Done()
	<-scheduler.Stop().Done()
	log.Info("Shutdown complete")
}

// runJob executes req and normalizes the result with the selected parser.
func runJob(ctx context.Context, client *salt.Client, req salt.JobRequest, opts options, log *zap.Logger) (interface{}, error) {
	raw, err := client.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	switch opts.parser {
	case "state":
		run, err := output.StateParser{MaxIDChars: opts.maxIDChars}.ParseRaw(raw)
		if err != nil {
			return nil, err
		}
		for _, minion := range run.Minions() {
			log.Info("State run finished",
				zap.String("minion", minion),
				zap.String("duration", output.FormatDuration(run[minion].TotalDurationMs)),
				zap.Int("failed", len(run[minion].FailedSteps)),
			)
		}
		return run, nil
	case "orch":
		p := &output.OrchestrationParser{
			Lookup:     client,
			MaxIDChars: opts.maxIDChars,
			Logger:     log.Named("output"),
		}
		if opts.strict {
			p.Policy = output.LookupStrict
		}
		run, err := p.ParseRaw(ctx, raw, false)
		if err != nil {
			return nil, err
		}
		for _, master := range run.Masters() {
			log.Info("Orchestration finished",
				zap.String("master", master),
				zap.String("duration", output.FormatDuration(run[master].TotalDurationMs)),
				zap.Strings("steps", run.StepNames()),
				zap.Int("failed", len(run[master].FailedSteps)),
			)
		}
		return run, nil
	case "raw":
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown -parse %q", opts.parser)
	}
}

// newMasterBreaker stops scheduled runs from hammering a salt-master that is
// down or rejecting our credentials. Failed states do not trip it.
func newMasterBreaker(log *zap.Logger) *resilience.CircuitBreaker {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.Trips = func(err error) bool {
		return errors.Is(err, salt.ErrConnection) || errors.Is(err, salt.ErrAuthentication)
	}
	cfg.OnStateChange = func(from, to resilience.CircuitState) {
		metrics.BreakerState.WithLabelValues("salt-master").Set(float64(to))
		log.Info("Circuit breaker state changed",
			zap.String("breaker", "salt-master"),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	return resilience.NewCircuitBreaker("salt-master", cfg)
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("Serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Metrics server error", zap.Error(err))
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
