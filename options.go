package tagcache

import (
	"time"

	"github.com/sirupsen/logrus"
)

// config collects everything Option can set before New validates and
// freezes it into an Adapter. This generalizes the teacher's single
// WithCleanupInterval option into the full table of §6's "Configuration
// recognised".
type config struct {
	namespace           string
	itemPrefix          string
	tagPrefix           string
	defaultLifetime     time.Duration
	knownTagVersionsTTL time.Duration
	retry               RetryConfig
	logger              *logrus.Logger
}

func defaultConfig() config {
	return config{
		itemPrefix:          "$",
		tagPrefix:           "T",
		knownTagVersionsTTL: defaultKnownTagVersionsTTL,
		retry: RetryConfig{
			Strategy:   FlatGeometricIntervals,
			Timeout:    defaultRetryTimeout,
			MaxRetries: defaultMaxRetries,
			Factor:     2,
		},
	}
}

// Option is a functional configuration modifier for Adapter, following
// the same pattern used throughout this module (mempool.Option,
// the teacher's original Option).
type Option func(*config)

// WithNamespace sets the key-prefix partition (§6). Must match
// [-+_.A-Za-z0-9]*; validated at construction (ErrInvalidNamespace).
func WithNamespace(ns string) Option {
	return func(c *config) { c.namespace = ns }
}

// WithItemPrefix overrides the default "$" item-key marker.
func WithItemPrefix(prefix string) Option {
	return func(c *config) { c.itemPrefix = prefix }
}

// WithTagPrefix overrides the default "T" tag-key marker.
func WithTagPrefix(prefix string) Option {
	return func(c *config) { c.tagPrefix = prefix }
}

// WithDefaultLifetime sets the item TTL hint (§6). 0 disables the tag
// TTL entirely; otherwise tags_lifetime = max(28800, d) * 3, floored at
// 86400s (§3, deriveTagsLifetime).
func WithDefaultLifetime(d time.Duration) Option {
	return func(c *config) { c.defaultLifetime = d }
}

// WithKnownTagVersionsTTL overrides component C's freshness window
// (default 150ms, §4.C).
func WithKnownTagVersionsTTL(d time.Duration) Option {
	return func(c *config) { c.knownTagVersionsTTL = d }
}

// WithRetryStrategy configures the Retry Proxy (§4.E). An invalid
// configuration degrades to NoRetry with a logged warning rather than
// failing construction (§7).
func WithRetryStrategy(cfg RetryConfig) Option {
	return func(c *config) { c.retry = cfg }
}

// WithLogger overrides the default logrus.StandardLogger().
func WithLogger(l *logrus.Logger) Option {
	return func(c *config) { c.logger = l }
}
