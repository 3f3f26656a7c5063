package measured_http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

func TestMeasuredTransportRecordsObservation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	stat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "test_round_trip_seconds", Help: "test"},
		[]string{"host", "method", "code"},
	)
	mt := New(http.DefaultTransport, clock.NewFake())
	mt.stat = stat

	client := &http.Client{Transport: mt}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	if err := testutilCollectAndCount(stat); err != nil {
		t.Fatalf("expected an observation to be recorded: %v", err)
	}
}

// testutilCollectAndCount avoids pulling in prometheus/testutil just to
// assert "at least one sample was recorded".
func testutilCollectAndCount(c prometheus.Collector) error {
	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)
	n := 0
	for range ch {
		n++
	}
	if n == 0 {
		return errNoSamples
	}
	return nil
}

var errNoSamples = errNoSamplesType{}

type errNoSamplesType struct{}

func (errNoSamplesType) Error() string { return "no samples collected" }
