package graph

import "time"

// Options configures an Engine's execution behavior. Zero-value fields take
// the defaults documented on each field; use the With* functional options
// below for a chainable, self-documenting alternative.
type Options struct {
	// MaxSteps bounds total node invocations per run (0 = unlimited). Guards
	// against a misconfigured graph that never reaches a terminal Command.
	MaxSteps int

	// MaxConcurrentSends bounds how many CmdSend children run at once,
	// realizing "configurable per-run fan-out cap, default 10".
	MaxConcurrentSends int

	// QueueDepth is the Frontier's bounded capacity for a CmdSend's
	// children (default 1024).
	QueueDepth int

	// DefaultNodeTimeout applies to nodes without a NodePolicy.Timeout.
	// Default 120s (grading nodes); segmentation nodes override to 300s.
	DefaultNodeTimeout time.Duration

	// RunWallClockBudget bounds the entire Run call (default 10m, 0 = no
	// bound).
	RunWallClockBudget time.Duration

	// Metrics, if set, records scheduler/node metrics to Prometheus.
	Metrics *PrometheusMetrics

	// GraphName labels this engine's Metrics series (e.g. "exam_paper").
	// Unused when Metrics is nil.
	GraphName string
}

// Option is a functional option for New.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		MaxSteps:           0,
		MaxConcurrentSends: 10,
		QueueDepth:         1024,
		DefaultNodeTimeout:  120 * time.Second,
		RunWallClockBudget: 10 * time.Minute,
	}
}

// WithMaxSteps limits total node invocations per run.
func WithMaxSteps(n int) Option {
	return func(o *Options) { o.MaxSteps = n }
}

// WithMaxConcurrentSends sets the per-run fan-out concurrency cap.
func WithMaxConcurrentSends(n int) Option {
	return func(o *Options) { o.MaxConcurrentSends = n }
}

// WithQueueDepth sets the Frontier's bounded queue capacity.
func WithQueueDepth(n int) Option {
	return func(o *Options) { o.QueueDepth = n }
}

// WithDefaultNodeTimeout sets the timeout applied to nodes without an
// explicit NodePolicy.Timeout.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(o *Options) { o.DefaultNodeTimeout = d }
}

// WithRunWallClockBudget bounds the total wall-clock time of a single Run.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(o *Options) { o.RunWallClockBudget = d }
}

// WithMetrics attaches a PrometheusMetrics collector to the engine.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}
