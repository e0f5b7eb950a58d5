package collector

import (
	"encoding/json"
	"fmt"

	"github.com/scottlaird/od-collector/urlmetric"
)

// Record is one stored URL Metric along with where it came from.
type Record struct {
	Slug     string
	Hostname string // collector instance that accepted it
	ClientIP string // populated from X-Forwarded-For and/or the directly connected IP

	URLMetric urlmetric.URLMetric
}

// ParseMessage takes the body of a HTTP POST and turns it into a
// URL Metric.  Only the JSON shape is checked here; see
// urlmetric.Validate for the rest.
func ParseMessage(msg []byte) (urlmetric.URLMetric, error) {
	var m urlmetric.URLMetric
	if err := json.Unmarshal(msg, &m); err != nil {
		return urlmetric.URLMetric{}, err
	}
	if m.URL == "" && m.Elements == nil && m.Viewport == (urlmetric.Viewport{}) {
		return urlmetric.URLMetric{}, fmt.Errorf("empty URL Metric: %w", urlmetric.ErrValidation)
	}
	return m, nil
}
