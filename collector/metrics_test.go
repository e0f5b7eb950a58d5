package collector

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsMux(t *testing.T) {
	c := DefaultConfig()
	c.SampleSize = 4
	c.FreshnessTTL = time.Hour
	NewConfigSource(&c)

	rec := httptest.NewRecorder()
	metricsMux().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "url_metrics_collector_config_sample_size 4")
	assert.Contains(t, body, "url_metrics_collector_config_groups 4")
	assert.Contains(t, body, "url_metrics_collector_config_freshness_ttl_seconds 3600")
	assert.Contains(t, body, "url_metrics_collector_requests")
}
