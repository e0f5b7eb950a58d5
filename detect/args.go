package detect

import (
	"encoding/json"

	"github.com/scottlaird/od-collector/urlmetric"
)

// Args are computed server-side when the page is rendered and handed
// to the detector as-is.  The detector never recomputes grouping.
type Args struct {
	Needed                 bool                    `json:"needed"`
	MinViewportAspectRatio float64                 `json:"minViewportAspectRatio"`
	MaxViewportAspectRatio float64                 `json:"maxViewportAspectRatio"`
	IsDebug                bool                    `json:"isDebug"`
	ExtensionModules       []string                `json:"extensionModuleUrls"`
	RestAPIEndpoint        string                  `json:"restApiEndpoint"`
	CurrentURL             string                  `json:"currentUrl"`
	URLMetricSlug          string                  `json:"urlMetricSlug"`
	URLMetricHMAC          string                  `json:"urlMetricHMAC"`
	URLMetricGroupStatuses []urlmetric.GroupStatus `json:"urlMetricGroupStatuses"`
	StorageLockTTL         int                     `json:"storageLockTTL"` // seconds
	FreshnessTTL           int                     `json:"freshnessTTL"`   // seconds
	SampleSize             int                     `json:"sampleSize"`

	// URLMetricGroupCollection is only sent in debug mode.
	URLMetricGroupCollection json.RawMessage `json:"urlMetricGroupCollection,omitempty"`
}

// IsViewportNeeded reports whether the group that viewportWidth falls
// into still lacks samples.  Statuses are ordered by minimum width.
func IsViewportNeeded(viewportWidth int, statuses []urlmetric.GroupStatus) bool {
	lastWasLacking := false
	for _, s := range statuses {
		if viewportWidth < s.MinimumViewportWidth {
			break
		}
		lastWasLacking = !s.Complete
	}
	return lastWasLacking
}
