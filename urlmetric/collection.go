package urlmetric

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"
)

// GroupConfig holds the knobs that shape a GroupCollection.
type GroupConfig struct {
	Breakpoints  []int
	SampleSize   int
	FreshnessTTL time.Duration
}

// GroupCollection owns every Group for one page identity.  It is
// rebuilt from the full stored history each time it's needed, so all
// decisions reflect the current config and clock.
type GroupCollection struct {
	breakpoints []int
	groups      []*Group
	now         time.Time
}

// NewGroupCollection partitions metrics into breakpoint groups.
// Freshness is judged relative to now.
func NewGroupCollection(metrics []URLMetric, cfg GroupConfig, now time.Time) (*GroupCollection, error) {
	if cfg.SampleSize < 1 {
		return nil, fmt.Errorf("sample size %d must be at least 1: %w", cfg.SampleSize, ErrInvalidArgument)
	}
	if cfg.FreshnessTTL < 0 {
		return nil, fmt.Errorf("freshness TTL %v must not be negative: %w", cfg.FreshnessTTL, ErrInvalidArgument)
	}
	breakpoints, err := NormalizeBreakpoints(cfg.Breakpoints)
	if err != nil {
		return nil, err
	}

	c := &GroupCollection{
		breakpoints: breakpoints,
		now:         now,
	}
	lower := 0
	for i := 0; i <= len(breakpoints); i++ {
		upper := math.MaxInt
		if i < len(breakpoints) {
			upper = breakpoints[i]
		}
		c.groups = append(c.groups, &Group{
			minimumViewportWidth: lower,
			maximumViewportWidth: upper,
			sampleSize:           cfg.SampleSize,
			freshnessTTL:         cfg.FreshnessTTL,
			now:                  now,
		})
		lower = upper
	}

	for _, m := range metrics {
		g, err := c.GroupForViewportWidth(m.Viewport.Width)
		if err != nil {
			return nil, fmt.Errorf("stored URL Metric %q: %w", m.UUID, err)
		}
		// History is taken as-is; eviction only happens in AddURLMetric.
		g.urlMetrics = append(g.urlMetrics, m)
	}
	return c, nil
}

// Breakpoints returns the normalized breakpoints.
func (c *GroupCollection) Breakpoints() []int {
	return slices.Clone(c.breakpoints)
}

// Now is the reference time used for freshness.
func (c *GroupCollection) Now() time.Time { return c.now }

// Groups returns the groups, lowest viewport range first.
func (c *GroupCollection) Groups() []*Group {
	return slices.Clone(c.groups)
}

// GroupForViewportWidth returns the one group whose range contains
// width.
func (c *GroupCollection) GroupForViewportWidth(width int) (*Group, error) {
	if width <= 0 {
		return nil, fmt.Errorf("viewport width %d must be a positive integer: %w", width, ErrInvalidArgument)
	}
	return c.groups[BreakpointIndex(c.breakpoints, width)], nil
}

// IsGroupComplete reports whether g has reached the sample size in
// fresh metrics.
func (c *GroupCollection) IsGroupComplete(g *Group) bool {
	return g.IsComplete()
}

func (c *GroupCollection) IsEveryGroupComplete() bool {
	for _, g := range c.groups {
		if !g.IsComplete() {
			return false
		}
	}
	return true
}

// IsEveryGroupPopulated reports whether every group has at least one
// stored metric, fresh or stale.
func (c *GroupCollection) IsEveryGroupPopulated() bool {
	for _, g := range c.groups {
		if len(g.urlMetrics) == 0 {
			return false
		}
	}
	return true
}

// Statuses returns every group's status, lowest range first.
func (c *GroupCollection) Statuses() []GroupStatus {
	out := make([]GroupStatus, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g.Status())
	}
	return out
}

// URLMetrics returns every stored metric across all groups.
func (c *GroupCollection) URLMetrics() []URLMetric {
	var out []URLMetric
	for _, g := range c.groups {
		out = append(out, g.urlMetrics...)
	}
	return out
}

// AddURLMetric places m into its group.  Metrics evicted to keep the
// group within the sample size are returned so the caller can delete
// them from storage.
func (c *GroupCollection) AddURLMetric(m URLMetric) ([]URLMetric, error) {
	g, err := c.GroupForViewportWidth(m.Viewport.Width)
	if err != nil {
		return nil, err
	}
	return g.add(m)
}

func (c *GroupCollection) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Breakpoints []int    `json:"breakpoints"`
		Groups      []*Group `json:"groups"`
	}{c.breakpoints, c.groups})
}
