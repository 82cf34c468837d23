package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{202, "2xx"},
		{301, "3xx"},
		{409, "4xx"},
		{422, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	// Gauges always appear; counters/histograms only after first observation.
	body := w.Body.String()
	for _, name := range []string{
		"ethescrow_active_websocket_clients",
		"ethescrow_last_block_seen",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestObserveTx(t *testing.T) {
	TransactionsTotal.Reset()

	ObserveTx("deploy", "submitted")
	ObserveTx("deploy", "submitted")
	ObserveTx("approve", "event_timeout")

	m := &dto.Metric{}
	c, err := TransactionsTotal.GetMetricWithLabelValues("deploy", "submitted")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = c.Write(m)
	if m.Counter.GetValue() != 2 {
		t.Errorf("expected 2 deploy submissions, got %f", m.Counter.GetValue())
	}
}

func TestObserveConfirmation(t *testing.T) {
	ConfirmationDuration.Reset()

	ObserveConfirmation("approve", time.Now().Add(-3*time.Second))

	m := &dto.Metric{}
	h, err := ConfirmationDuration.GetMetricWithLabelValues("approve")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = h.(interface{ Write(*dto.Metric) error }).Write(m)
	if m.Histogram.GetSampleCount() != 1 {
		t.Errorf("expected 1 sample, got %d", m.Histogram.GetSampleCount())
	}
	if m.Histogram.GetSampleSum() < 3 {
		t.Errorf("expected sum >= 3s, got %f", m.Histogram.GetSampleSum())
	}
}

func TestMiddleware_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	HTTPRequestsTotal.Reset()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/session", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/session", nil))

	m := &dto.Metric{}
	c, err := HTTPRequestsTotal.GetMetricWithLabelValues("GET", "/v1/session", "2xx")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = c.Write(m)
	if m.Counter.GetValue() != 1 {
		t.Errorf("expected 1 request, got %f", m.Counter.GetValue())
	}
}
