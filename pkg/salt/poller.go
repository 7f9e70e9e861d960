package salt

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"saltypie/pkg/metrics"
	tracing "saltypie/pkg/observability"
)

// LookupJobFunction is the runner function that reports a job's result.
const LookupJobFunction = "jobs.lookup_jid"

// LookupJob fetches the current result of job jid once.
func (c *Client) LookupJob(ctx context.Context, jid string) (RawResult, error) {
	return c.Execute(ctx, JobRequest{
		Function: LookupJobFunction,
		Client:   ClientRunner,
		Kwargs:   map[string]interface{}{"jid": jid},
	})
}

// PollUntilComplete looks jid up every interval until the job has a result.
// There is no attempt cap; bound the wait with ctx. A zero interval uses the
// configured lookup interval.
func (c *Client) PollUntilComplete(ctx context.Context, jid string, interval time.Duration) (ret RawResult, err error) {
	if interval <= 0 {
		interval = c.cfg.LookupInterval
	}
	ctx, span := tracing.Start(ctx, "salt.PollUntilComplete", attribute.String("salt.jid", jid))
	defer func() { tracing.End(span, err) }()

	for attempt := 1; ; attempt++ {
		metrics.PollAttempts.Inc()
		ret, err = c.LookupJob(ctx, jid)
		if err != nil {
			return nil, err
		}
		var done bool
		if done, err = jobComplete(ret); err != nil {
			return nil, err
		}
		if done {
			c.log.Debug("Job completed", zap.String("jid", jid), zap.Int("lookups", attempt))
			return ret, nil
		}

		c.log.Debug("Job still running", zap.String("jid", jid), zap.Int("lookups", attempt), zap.Duration("interval", interval))
		if err = c.clock.Sleep(ctx, interval); err != nil {
			return nil, err
		}
	}
}

// jobComplete treats an empty mapping in return[0] as "still running".
func jobComplete(ret RawResult) (bool, error) {
	results := ret.Return()
	if len(results) == 0 {
		return false, NewReturnParseError("job status lookup failed: response has no return data", nil)
	}
	if m, ok := results[0].(map[string]interface{}); ok {
		return len(m) > 0, nil
	}
	return true, nil
}
