package tagcache

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/stat/distuv"
)

// Strategy selects one of the six statistical retry-distribution
// strategies of §4.E.
type Strategy int

const (
	// NoRetry never retries: delta at t=0.
	NoRetry Strategy = iota
	// FlatEvenIntervals draws k in [0,N] uniformly (including zero
	// retries) and sleeps timeout/N per attempted step.
	FlatEvenIntervals
	// FlatGeometricIntervals is the default: flat on average with a
	// spike at the end. A random threshold is drawn once; interval
	// sizes grow by Factor, with proportion (Factor-1)/Factor of draws
	// falling in the last interval.
	FlatGeometricIntervals
	// FlatRandomIntervals draws a random sub-timeout and steps through
	// it in N equal intervals.
	FlatRandomIntervals
	// NormalRandomIntervals approximates a normal distribution centred
	// at timeout/2.
	NormalRandomIntervals
	// DeltaEvenIntervals always performs all N steps of timeout/N.
	DeltaEvenIntervals
	// BinomialEvenIntervals attempts each of N evenly spaced retries
	// independently with probability Factor/N.
	BinomialEvenIntervals
)

const (
	defaultRetryTimeout = 5000 * time.Millisecond
	defaultMaxRetries   = 4
)

// RetryConfig configures the Retry Proxy (§4.E, §6's retry.* options).
type RetryConfig struct {
	Strategy   Strategy
	Timeout    time.Duration // total retry budget; default 5000ms
	MaxRetries int           // N; default 4
	Factor     float64       // geometric growth factor, or binomial factor
}

// valid validates the parameters per §4.E: timeout >= 1ms and N >= 0
// always; for FlatGeometricIntervals, factor > 0; for
// BinomialEvenIntervals, 0 <= factor <= N.
func (c RetryConfig) valid() bool {
	if c.Timeout < time.Millisecond || c.MaxRetries < 0 {
		return false
	}
	switch c.Strategy {
	case FlatGeometricIntervals:
		return c.Factor > 0
	case BinomialEvenIntervals:
		return c.Factor >= 0 && c.Factor <= float64(c.MaxRetries)
	default:
		return true
	}
}

// RetryProxy wraps a Pool and retries single-item Get calls on miss,
// spreading retries across a bounded timeout to mitigate cache
// stampedes (§1, §4.E): the intent is that one caller proceeds to
// compute the missing value while others are still waiting out their
// retry schedule.
//
// Only single-key Get calls are retried; multi-key Get, and every write
// or delete operation, are forwarded unconditionally (§4.E).
type RetryProxy struct {
	inner  Pool
	cfg    RetryConfig
	logger *logrus.Logger
	rng    *rand.Rand
	sf     singleflight.Group
	stats  *statsRecorder
}

// NewRetryProxy wraps inner with the given retry configuration. An
// invalid configuration is not a construction error (§7): it is logged
// as a warning and the proxy silently degrades to NoRetry.
func NewRetryProxy(inner Pool, cfg RetryConfig, logger *logrus.Logger, stats *statsRecorder) *RetryProxy {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRetryTimeout
	}
	if cfg.MaxRetries == 0 && cfg.Strategy != NoRetry {
		cfg.MaxRetries = defaultMaxRetries
	}
	if !cfg.valid() {
		logger.WithField("strategy", cfg.Strategy).Warn("tagcache: invalid retry configuration, degrading to NoRetry")
		cfg.Strategy = NoRetry
	}
	return &RetryProxy{
		inner:  inner,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stats:  stats,
	}
}

// Get forwards multi-key reads unconditionally; a single-key read that
// misses is retried per the configured strategy.
func (r *RetryProxy) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) != 1 || r.cfg.Strategy == NoRetry {
		return r.inner.Get(ctx, keys)
	}
	key := keys[0]

	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		return r.getWithRetry(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string][]byte), nil
}

func (r *RetryProxy) getWithRetry(ctx context.Context, key string) (map[string][]byte, error) {
	keys := []string{key}

	values, err := r.inner.Get(ctx, keys)
	if err != nil || len(values) > 0 {
		return values, err
	}

	plan := r.plan()
	start := time.Now()

	for i, sleep := range plan {
		sleep = adjustInterval(sleep, start, r.cfg.Timeout, i)
		if sleep < 0 {
			r.logger.WithField("strategy", r.cfg.Strategy).Warn("tagcache: retry budget exhausted, aborting")
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}

		r.stats.addRetries(1)
		values, err = r.inner.Get(ctx, keys)
		if err != nil || len(values) > 0 {
			return values, err
		}
	}
	return values, err
}

// adjustInterval shrinks next so the cumulative sleep time across one
// get_item call never exceeds timeout (§4.E). If the budget is already
// exhausted, it returns a negative duration, which the caller treats as
// "abort remaining retries".
func adjustInterval(next time.Duration, start time.Time, timeout time.Duration, _ int) time.Duration {
	elapsed := time.Since(start)
	remaining := timeout - elapsed
	if remaining <= 0 {
		return -1
	}
	if next > remaining {
		return remaining
	}
	return next
}

// plan builds the sleep schedule for the configured strategy. Each
// strategy is described in §4.E's table; see the per-strategy comments
// below for how the distribution is realized.
func (r *RetryProxy) plan() []time.Duration {
	n := r.cfg.MaxRetries
	timeout := r.cfg.Timeout

	switch r.cfg.Strategy {
	case FlatEvenIntervals:
		return r.planFlatEven(n, timeout)
	case FlatGeometricIntervals:
		return r.planFlatGeometric(n, timeout, r.cfg.Factor)
	case FlatRandomIntervals:
		return r.planFlatRandom(n, timeout)
	case NormalRandomIntervals:
		return r.planNormalRandom(n, timeout)
	case DeltaEvenIntervals:
		return r.planDeltaEven(n, timeout)
	case BinomialEvenIntervals:
		return r.planBinomial(n, timeout, r.cfg.Factor)
	default:
		return nil
	}
}

// planFlatEven: uniform discrete draw of k in [0,N], including zero
// retries; each attempted step sleeps timeout/N.
func (r *RetryProxy) planFlatEven(n int, timeout time.Duration) []time.Duration {
	if n <= 0 {
		return nil
	}
	k := r.rng.Intn(n + 1)
	if k == 0 {
		return nil
	}
	step := timeout / time.Duration(n)
	plan := make([]time.Duration, k)
	for i := range plan {
		plan[i] = step
	}
	return plan
}

// planFlatGeometric: weights grow by Factor per step (w_i = factor^i).
// A threshold is drawn once against the cumulative weight to pick how
// many of the N geometrically-sized intervals are actually used; as
// factor grows, an increasing share of draws (approaching (factor-1)/
// factor) land in the last, largest interval: the "spike at the end"
// the table describes, while the expected total sleep stays flat
// relative to N because the weights are normalized to sum to timeout.
func (r *RetryProxy) planFlatGeometric(n int, timeout time.Duration, factor float64) []time.Duration {
	if n <= 0 {
		return nil
	}
	weights := make([]float64, n)
	var total float64
	w := 1.0
	for i := 0; i < n; i++ {
		weights[i] = w
		total += w
		w *= factor
	}

	u := r.rng.Float64() * total
	k := n
	var cum float64
	for i, wi := range weights {
		cum += wi
		if u <= cum {
			k = i + 1
			break
		}
	}
	if k == 0 {
		return nil
	}

	intervals := make([]time.Duration, n)
	for i := 0; i < n; i++ {
		intervals[i] = time.Duration(float64(timeout) * weights[i] / total)
	}
	return intervals[:k]
}

// planFlatRandom: draw a random sub-timeout in [0,timeout] and step
// through it in N equal intervals, so the distribution is uniform
// continuous over a randomly shrunk portion of the budget.
func (r *RetryProxy) planFlatRandom(n int, timeout time.Duration) []time.Duration {
	if n <= 0 {
		return nil
	}
	sub := time.Duration(r.rng.Float64() * float64(timeout))
	step := sub / time.Duration(n)
	plan := make([]time.Duration, n)
	for i := range plan {
		plan[i] = step
	}
	return plan
}

// planNormalRandom: samples the total sleep budget from a normal
// distribution centred at timeout/2 (clamped to [0,timeout]) and divides
// it into N equal steps, matching the table's "approx. normal centred
// at timeout/2", backed by gonum's distuv rather than a hand-rolled
// Box-Muller.
func (r *RetryProxy) planNormalRandom(n int, timeout time.Duration) []time.Duration {
	if n <= 0 {
		return nil
	}
	mu := float64(timeout) / 2
	sigma := float64(timeout) / 6 // keeps ~99.7% of mass within [0,timeout]
	dist := distuv.Normal{Mu: mu, Sigma: sigma, Src: r.rng}
	total := dist.Rand()
	if total < 0 {
		total = 0
	}
	if total > float64(timeout) {
		total = float64(timeout)
	}
	step := time.Duration(total) / time.Duration(n)
	plan := make([]time.Duration, n)
	for i := range plan {
		plan[i] = step
	}
	return plan
}

// planDeltaEven: no randomness, always N steps of timeout/N.
func (r *RetryProxy) planDeltaEven(n int, timeout time.Duration) []time.Duration {
	if n <= 0 {
		return nil
	}
	step := timeout / time.Duration(n)
	plan := make([]time.Duration, n)
	for i := range plan {
		plan[i] = step
	}
	return plan
}

// planBinomial: the number of retry slots actually used is drawn from
// Binomial(N, p) with p = Factor/N (clamped to [0,1]), matching "each
// retry is attempted with probability p". Backed by gonum's
// distuv.Binomial.
func (r *RetryProxy) planBinomial(n int, timeout time.Duration, factor float64) []time.Duration {
	if n <= 0 {
		return nil
	}
	p := factor / float64(n)
	p = math.Max(0, math.Min(1, p))
	dist := distuv.Binomial{N: float64(n), P: p, Src: r.rng}
	k := int(dist.Rand())
	if k <= 0 {
		return nil
	}
	if k > n {
		k = n
	}
	step := timeout / time.Duration(n)
	plan := make([]time.Duration, k)
	for i := range plan {
		plan[i] = step
	}
	return plan
}

// The remaining Pool methods are forwarded unconditionally; only
// single-key Get is ever retried (§4.E).

func (r *RetryProxy) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.inner.SetIfAbsent(ctx, key, value, ttl)
}

func (r *RetryProxy) Delete(ctx context.Context, keys []string) error {
	return r.inner.Delete(ctx, keys)
}

func (r *RetryProxy) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.inner.Set(ctx, key, value, ttl)
}

func (r *RetryProxy) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.inner.Expire(ctx, key, ttl)
}

func (r *RetryProxy) Clear(ctx context.Context, prefix string) error {
	return r.inner.Clear(ctx, prefix)
}

// SupportsPrefixClear passes the inner pool's capability through.
func (r *RetryProxy) SupportsPrefixClear() bool {
	if pc, ok := r.inner.(PrefixClearer); ok {
		return pc.SupportsPrefixClear()
	}
	return false
}

// Pipeline passes through to the inner pool when it supports pipelining;
// retries never apply to pipelined commands (§4.E: only single-item
// get_item reads retry).
func (r *RetryProxy) Pipeline(ctx context.Context, cmds []Cmd) ([]CmdResult, error) {
	if p, ok := r.inner.(Pipeliner); ok {
		return p.Pipeline(ctx, cmds)
	}
	results := make([]CmdResult, len(cmds))
	for i, cmd := range cmds {
		results[i] = r.runCmdDirect(ctx, cmd)
	}
	return results, nil
}

func (r *RetryProxy) runCmdDirect(ctx context.Context, cmd Cmd) CmdResult {
	switch cmd.Kind {
	case CmdGet:
		values, err := r.inner.Get(ctx, cmd.Keys)
		return CmdResult{Values: values, Err: err}
	case CmdSetIfAbsent:
		created, err := r.SetIfAbsent(ctx, cmd.Key, cmd.Value, cmd.TTL)
		return CmdResult{Created: created, Err: err}
	case CmdDelete:
		return CmdResult{Err: r.Delete(ctx, []string{cmd.Key})}
	case CmdSet:
		return CmdResult{Err: r.Set(ctx, cmd.Key, cmd.Value, cmd.TTL)}
	case CmdExpire:
		return CmdResult{Err: r.Expire(ctx, cmd.Key, cmd.TTL)}
	default:
		return CmdResult{}
	}
}
