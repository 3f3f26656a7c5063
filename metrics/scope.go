package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scope is a named slice of a Prometheus registry: every stat recorded
// through it is prefixed with the scope's dotted name, so
// scope.NewScope("lifecycle").Inc("renewals", 1) and a sibling
// scope.NewScope("runs").Inc("succeeded", 1) land as distinct,
// independently-registered collectors. Trimmed to a handful of
// operations: acmeclient's run reports a one-shot counter per run outcome
// and a timing for how long a domain's pass through the lifecycle
// controller took; Gauge is available but the CLI records no gauge.
type Scope interface {
	NewScope(scopes ...string) Scope

	Inc(stat string, value int64) error
	Gauge(stat string, value int64) error
	TimingDuration(stat string, delta time.Duration) error
}

// promScope reports into a real Prometheus registerer, lazily registering
// one collector per distinct prefixed stat name via autoRegisterer.
type promScope struct {
	registerer prometheus.Registerer
	*autoRegisterer
	prefix string
}

var _ Scope = &promScope{}

// NewPromScope returns a Scope backed by registerer, e.g.
// metrics.NewPromScope(registry, "acmeclient").
func NewPromScope(registerer prometheus.Registerer, scopes ...string) Scope {
	return &promScope{
		registerer:     registerer,
		prefix:         strings.Join(scopes, ".") + ".",
		autoRegisterer: newAutoRegisterer(registerer),
	}
}

// NewScope nests a child scope under this one's prefix, e.g. the CLI's
// root scope spawning a "runs" child and a "<domain>" child per processed
// name.
func (s *promScope) NewScope(scopes ...string) Scope {
	scope := strings.Join(scopes, ".")
	return NewPromScope(s.registerer, s.prefix+scope)
}

// Inc increments a counter, e.g. runs.succeeded / runs.failed.
func (s *promScope) Inc(stat string, value int64) error {
	s.autoCounter(s.prefix + stat).Add(float64(value))
	return nil
}

// Gauge sets a point-in-time value, e.g. lifecycle.renewal_days_left.
func (s *promScope) Gauge(stat string, value int64) error {
	s.autoGauge(s.prefix + stat).Set(float64(value))
	return nil
}

// TimingDuration records how long an operation took, e.g. the wall-clock
// span of one domain's pass through the lifecycle controller.
func (s *promScope) TimingDuration(stat string, delta time.Duration) error {
	s.autoSummary(s.prefix + stat + "_seconds").Observe(delta.Seconds())
	return nil
}

// noopScope discards everything recorded through it, for a caller (such
// as a test) that wants the Scope interface without a live registry
// behind it. The CLI always records into a Prometheus registry, with or
// without --push-gateway.
type noopScope struct{}

// NewNoopScope returns a Scope that collects nothing.
func NewNoopScope() Scope {
	return noopScope{}
}

func (ns noopScope) NewScope(scopes ...string) Scope { return ns }

func (noopScope) Inc(stat string, value int64) error   { return nil }
func (noopScope) Gauge(stat string, value int64) error { return nil }

func (noopScope) TimingDuration(stat string, d time.Duration) error { return nil }
