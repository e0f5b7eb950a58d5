package urlmetric

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"
)

// Group holds the stored URL Metrics whose viewport width falls in
// [MinimumViewportWidth, MaximumViewportWidth).
type Group struct {
	minimumViewportWidth int
	maximumViewportWidth int // math.MaxInt for the last group
	sampleSize           int
	freshnessTTL         time.Duration
	now                  time.Time
	urlMetrics           []URLMetric
}

// GroupStatus is the part of a Group that detection clients need to
// decide whether to collect a sample.
type GroupStatus struct {
	MinimumViewportWidth int  `json:"minimumViewportWidth"`
	MaximumViewportWidth *int `json:"maximumViewportWidth"` // nil when unbounded
	Complete             bool `json:"complete"`
}

func (g *Group) MinimumViewportWidth() int { return g.minimumViewportWidth }

// MaximumViewportWidth is exclusive.  It is math.MaxInt for the last
// group, see IsUnbounded.
func (g *Group) MaximumViewportWidth() int { return g.maximumViewportWidth }

func (g *Group) IsUnbounded() bool { return g.maximumViewportWidth == math.MaxInt }

// Contains reports whether width falls into the group's range.
func (g *Group) Contains(width int) bool {
	return width >= g.minimumViewportWidth && width < g.maximumViewportWidth
}

// URLMetrics returns every stored metric in the group, fresh or not.
func (g *Group) URLMetrics() []URLMetric {
	return slices.Clone(g.urlMetrics)
}

// isFresh reports whether m is no older than the freshness TTL.
func (g *Group) isFresh(m URLMetric) bool {
	age := float64(g.now.UnixNano())/float64(time.Second) - m.Timestamp
	return age <= g.freshnessTTL.Seconds()
}

// FreshURLMetrics returns the metrics that still count toward the
// sample, in storage order.
func (g *Group) FreshURLMetrics() []URLMetric {
	var fresh []URLMetric
	for _, m := range g.urlMetrics {
		if g.isFresh(m) {
			fresh = append(fresh, m)
		}
	}
	return fresh
}

// IsComplete reports whether the group holds at least sample size
// fresh metrics.
func (g *Group) IsComplete() bool {
	return len(g.FreshURLMetrics()) >= g.sampleSize
}

// Status returns the group's range and completeness.
func (g *Group) Status() GroupStatus {
	s := GroupStatus{
		MinimumViewportWidth: g.minimumViewportWidth,
		Complete:             g.IsComplete(),
	}
	if !g.IsUnbounded() {
		upper := g.maximumViewportWidth
		s.MaximumViewportWidth = &upper
	}
	return s
}

// CommonLCPElement returns the LCP element when every fresh metric in
// the group agrees on it.  The element data comes from the most
// recent metric.
func (g *Group) CommonLCPElement() (ElementData, bool) {
	var (
		found  ElementData
		newest = math.Inf(-1)
		xpath  string
	)
	fresh := g.FreshURLMetrics()
	if len(fresh) == 0 {
		return ElementData{}, false
	}
	for _, m := range fresh {
		e, ok := m.LCPElement()
		if !ok {
			return ElementData{}, false
		}
		if xpath == "" {
			xpath = e.XPath
		} else if xpath != e.XPath {
			return ElementData{}, false
		}
		if m.Timestamp > newest {
			newest = m.Timestamp
			found = e
		}
	}
	return found, true
}

// add places m into the group and evicts the oldest metrics beyond
// the sample size.  It returns the evicted metrics.
func (g *Group) add(m URLMetric) ([]URLMetric, error) {
	if !g.Contains(m.Viewport.Width) {
		return nil, fmt.Errorf("viewport width %d is outside of group [%d, %d): %w",
			m.Viewport.Width, g.minimumViewportWidth, g.maximumViewportWidth, ErrInvalidArgument)
	}
	g.urlMetrics = append(g.urlMetrics, m)
	if len(g.urlMetrics) <= g.sampleSize {
		return nil, nil
	}

	// Newest first; ties keep insertion order.
	slices.SortStableFunc(g.urlMetrics, func(a, b URLMetric) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		}
		return 0
	})
	evicted := slices.Clone(g.urlMetrics[g.sampleSize:])
	g.urlMetrics = g.urlMetrics[:g.sampleSize]
	return evicted, nil
}

func (g *Group) MarshalJSON() ([]byte, error) {
	s := g.Status()
	metrics := g.urlMetrics
	if metrics == nil {
		metrics = []URLMetric{}
	}
	return json.Marshal(struct {
		GroupStatus
		URLMetrics []URLMetric `json:"url_metrics"`
	}{s, metrics})
}
