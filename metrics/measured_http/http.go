// Package measured_http records prometheus stats for this client's own
// outbound ACME round-trips, rather than inbound requests to a listening
// server (this client exposes no HTTP endpoints of its own). Adapted from
// the teacher's server-side MeasuredHandler into an http.RoundTripper
// wrapper: the "request" side of the measurement the teacher took for
// granted (it always had an *http.ServeMux to dispatch against) is
// replaced here with the CA host the client is dialing.
package measured_http

import (
	"fmt"
	"net/http"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	responseTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "acme_round_trip_seconds",
			Help: "Time taken for a round trip to the ACME server",
		},
		[]string{"host", "method", "code"})
)

func init() {
	prometheus.MustRegister(responseTime)
}

// MeasuredTransport wraps an http.RoundTripper and records a histogram
// observation per call, labeled by destination host, method, and
// resulting status code (or "error" if the round trip itself failed).
type MeasuredTransport struct {
	Next http.RoundTripper
	clk  clock.Clock
	// stat is normally always responseTime; overridden in tests.
	stat *prometheus.HistogramVec
}

// New wraps next (http.DefaultTransport if nil) with request timing.
func New(next http.RoundTripper, clk clock.Clock) *MeasuredTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &MeasuredTransport{Next: next, clk: clk, stat: responseTime}
}

func (t *MeasuredTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	begin := t.clk.Now()
	resp, err := t.Next.RoundTrip(req)
	code := "error"
	if resp != nil {
		code = fmt.Sprintf("%d", resp.StatusCode)
	}
	t.stat.With(prometheus.Labels{
		"host":   req.URL.Host,
		"method": req.Method,
		"code":   code,
	}).Observe(t.clk.Since(begin).Seconds())
	return resp, err
}
