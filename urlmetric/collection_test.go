package urlmetric

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var testNow = time.Unix(1_700_000_000, 0)

const day = 24 * time.Hour

func metricAt(width int, age time.Duration) URLMetric {
	return URLMetric{
		UUID:      fmt.Sprintf("%d-%s", width, age),
		URL:       "https://example.com/",
		Timestamp: float64(testNow.Add(-age).Unix()),
		Viewport:  Viewport{Width: width, Height: 800},
		Elements:  []ElementData{},
	}
}

func intPtr(i int) *int { return &i }

func TestBreakpointIndex(t *testing.T) {
	tests := []struct {
		name        string
		breakpoints []int
		width       int
		want        int
	}{
		{"no breakpoints", nil, 1234, 0},
		{"below first", []int{400, 600}, 399, 0},
		{"equal to first", []int{400, 600}, 400, 1},
		{"between", []int{400, 600}, 500, 1},
		{"equal to last", []int{400, 600}, 600, 2},
		{"above last", []int{400, 600}, 5000, 2},
		{"zero", []int{400, 600}, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := BreakpointIndex(tc.breakpoints, tc.width); got != tc.want {
				t.Errorf("BreakpointIndex(%v, %d) = %d, want %d", tc.breakpoints, tc.width, got, tc.want)
			}
		})
	}
}

func TestNormalizeBreakpoints(t *testing.T) {
	got, err := NormalizeBreakpoints([]int{782, 480, 600, 480})
	if err != nil {
		t.Fatalf("NormalizeBreakpoints returned error: %v", err)
	}
	if diff := cmp.Diff([]int{480, 600, 782}, got); diff != "" {
		t.Errorf("breakpoints mismatch (-want +got):\n%s", diff)
	}

	if _, err := NormalizeBreakpoints([]int{480, 0}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NormalizeBreakpoints with zero width: got %v, want ErrInvalidArgument", err)
	}
}

func TestGroupCollection_EveryWidthHasOneGroup(t *testing.T) {
	for _, breakpoints := range [][]int{nil, {500}, {400, 600}, {600, 400, 400, 1000}} {
		c, err := NewGroupCollection(nil, GroupConfig{Breakpoints: breakpoints, SampleSize: 3, FreshnessTTL: day}, testNow)
		if err != nil {
			t.Fatalf("NewGroupCollection(%v): %v", breakpoints, err)
		}
		groups := c.Groups()
		for width := 1; width <= 1200; width++ {
			g, err := c.GroupForViewportWidth(width)
			if err != nil {
				t.Fatalf("GroupForViewportWidth(%d): %v", width, err)
			}
			if !g.Contains(width) {
				t.Errorf("breakpoints %v: group [%d, %d) does not contain %d",
					breakpoints, g.MinimumViewportWidth(), g.MaximumViewportWidth(), width)
			}
			matches := 0
			for _, other := range groups {
				if other.Contains(width) {
					matches++
				}
			}
			if matches != 1 {
				t.Errorf("breakpoints %v: width %d is in %d groups", breakpoints, width, matches)
			}
		}
		if !groups[len(groups)-1].IsUnbounded() {
			t.Errorf("breakpoints %v: last group is bounded", breakpoints)
		}
	}
}

func TestGroupCollection_InvalidWidth(t *testing.T) {
	c, err := NewGroupCollection(nil, GroupConfig{Breakpoints: []int{400}, SampleSize: 1}, testNow)
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range []int{0, -1} {
		if _, err := c.GroupForViewportWidth(w); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("GroupForViewportWidth(%d): got %v, want ErrInvalidArgument", w, err)
		}
	}
}

func TestNewGroupCollection_InvalidConfig(t *testing.T) {
	for _, cfg := range []GroupConfig{
		{SampleSize: 0},
		{SampleSize: 1, FreshnessTTL: -time.Second},
		{SampleSize: 1, Breakpoints: []int{-5}},
	} {
		if _, err := NewGroupCollection(nil, cfg, testNow); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("NewGroupCollection(%+v): got %v, want ErrInvalidArgument", cfg, err)
		}
	}
}

func TestGroupCollection_CompleteGroup(t *testing.T) {
	cfg := GroupConfig{Breakpoints: []int{400, 600}, SampleSize: 3, FreshnessTTL: 86400 * time.Second}
	metrics := []URLMetric{
		metricAt(500, time.Minute),
		metricAt(500, time.Hour),
		metricAt(500, 2*time.Hour),
	}
	c, err := NewGroupCollection(metrics, cfg, testNow)
	if err != nil {
		t.Fatal(err)
	}
	g, err := c.GroupForViewportWidth(500)
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsGroupComplete(g) {
		t.Errorf("group [%d, %d) is not complete with 3 fresh metrics", g.MinimumViewportWidth(), g.MaximumViewportWidth())
	}

	want := []GroupStatus{
		{MinimumViewportWidth: 0, MaximumViewportWidth: intPtr(400), Complete: false},
		{MinimumViewportWidth: 400, MaximumViewportWidth: intPtr(600), Complete: true},
		{MinimumViewportWidth: 600, MaximumViewportWidth: nil, Complete: false},
	}
	if diff := cmp.Diff(want, c.Statuses()); diff != "" {
		t.Errorf("Statuses mismatch (-want +got):\n%s", diff)
	}
	if c.IsEveryGroupComplete() {
		t.Error("IsEveryGroupComplete() = true, want false")
	}
	if c.IsEveryGroupPopulated() {
		t.Error("IsEveryGroupPopulated() = true, want false")
	}
}

func TestGroupCollection_StaleMetricNotCounted(t *testing.T) {
	cfg := GroupConfig{Breakpoints: []int{400, 600}, SampleSize: 3, FreshnessTTL: 86400 * time.Second}
	metrics := []URLMetric{
		metricAt(500, time.Minute),
		metricAt(500, time.Hour),
		metricAt(500, 90000*time.Second),
	}
	c, err := NewGroupCollection(metrics, cfg, testNow)
	if err != nil {
		t.Fatal(err)
	}
	g, _ := c.GroupForViewportWidth(500)
	if g.IsComplete() {
		t.Error("group is complete although one of three metrics is stale")
	}
	if got := len(g.URLMetrics()); got != 3 {
		t.Errorf("stored metrics = %d, want 3", got)
	}
	if got := len(g.FreshURLMetrics()); got != 2 {
		t.Errorf("fresh metrics = %d, want 2", got)
	}
}

func TestGroupCollection_FreshnessBoundary(t *testing.T) {
	cfg := GroupConfig{SampleSize: 1, FreshnessTTL: time.Hour}
	exact, _ := NewGroupCollection([]URLMetric{metricAt(500, time.Hour)}, cfg, testNow)
	if !exact.Groups()[0].IsComplete() {
		t.Error("metric exactly TTL old should still be fresh")
	}
	over, _ := NewGroupCollection([]URLMetric{metricAt(500, time.Hour+time.Second)}, cfg, testNow)
	if over.Groups()[0].IsComplete() {
		t.Error("metric older than TTL should not be fresh")
	}
}

func TestGroupCollection_GroupingIndependentOfNow(t *testing.T) {
	cfg := GroupConfig{Breakpoints: []int{400, 600}, SampleSize: 2, FreshnessTTL: time.Hour}
	metrics := []URLMetric{metricAt(300, 0), metricAt(450, 0), metricAt(800, 0), metricAt(600, 0)}

	members := func(c *GroupCollection) [][]string {
		var out [][]string
		for _, g := range c.Groups() {
			var ids []string
			for _, m := range g.URLMetrics() {
				ids = append(ids, m.UUID)
			}
			out = append(out, ids)
		}
		return out
	}

	early, _ := NewGroupCollection(metrics, cfg, testNow)
	late, _ := NewGroupCollection(metrics, cfg, testNow.Add(30*day))
	if diff := cmp.Diff(members(early), members(late)); diff != "" {
		t.Errorf("group membership changed with the clock (-early +late):\n%s", diff)
	}
}

func TestGroupCollection_Idempotent(t *testing.T) {
	cfg := GroupConfig{Breakpoints: []int{782, 480, 600}, SampleSize: 2, FreshnessTTL: day}
	metrics := []URLMetric{metricAt(320, time.Hour), metricAt(320, 2*day), metricAt(1024, 0), metricAt(1440, time.Minute)}

	a, err := NewGroupCollection(metrics, cfg, testNow)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewGroupCollection(metrics, cfg, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a.Breakpoints(), b.Breakpoints()); diff != "" {
		t.Errorf("Breakpoints mismatch:\n%s", diff)
	}
	if diff := cmp.Diff(a.Statuses(), b.Statuses()); diff != "" {
		t.Errorf("Statuses mismatch:\n%s", diff)
	}
}

func TestGroupCollection_AddURLMetricEvictsOldest(t *testing.T) {
	cfg := GroupConfig{Breakpoints: []int{400, 600}, SampleSize: 2, FreshnessTTL: day}
	old := metricAt(500, 3*day)
	c, err := NewGroupCollection([]URLMetric{old, metricAt(500, time.Hour)}, cfg, testNow)
	if err != nil {
		t.Fatal(err)
	}

	evicted, err := c.AddURLMetric(metricAt(550, 0))
	if err != nil {
		t.Fatalf("AddURLMetric: %v", err)
	}
	if diff := cmp.Diff([]URLMetric{old}, evicted); diff != "" {
		t.Errorf("evicted mismatch (-want +got):\n%s", diff)
	}
	g, _ := c.GroupForViewportWidth(500)
	if !g.IsComplete() {
		t.Error("group should be complete after adding a fresh metric")
	}

	// Other groups are untouched.
	evicted, err = c.AddURLMetric(metricAt(300, 0))
	if err != nil || len(evicted) != 0 {
		t.Errorf("AddURLMetric into empty group = %v, %v; want nothing evicted", evicted, err)
	}
	if _, err := c.AddURLMetric(metricAt(0, 0)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("AddURLMetric with zero width: got %v, want ErrInvalidArgument", err)
	}
}

func TestGroup_CommonLCPElement(t *testing.T) {
	withLCP := func(age time.Duration, xpath string, ratio float64) URLMetric {
		m := metricAt(500, age)
		m.Elements = []ElementData{
			{XPath: "/*[1][self::HTML]/*[2][self::BODY]/*[1][self::DIV]", IntersectionRatio: 1},
			{XPath: xpath, IsLCP: true, IsLCPCandidate: true, IntersectionRatio: ratio},
		}
		return m
	}
	img := "/*[1][self::HTML]/*[2][self::BODY]/*[2][self::IMG]"
	cfg := GroupConfig{SampleSize: 3, FreshnessTTL: day}

	c, _ := NewGroupCollection([]URLMetric{withLCP(time.Hour, img, 0.5), withLCP(time.Minute, img, 0.75)}, cfg, testNow)
	got, ok := c.Groups()[0].CommonLCPElement()
	if !ok {
		t.Fatal("CommonLCPElement() found nothing")
	}
	if got.IntersectionRatio != 0.75 {
		t.Errorf("CommonLCPElement() came from the older metric: ratio %v", got.IntersectionRatio)
	}

	other := "/*[1][self::HTML]/*[2][self::BODY]/*[3][self::IMG]"
	c, _ = NewGroupCollection([]URLMetric{withLCP(time.Hour, img, 1), withLCP(time.Minute, other, 1)}, cfg, testNow)
	if _, ok := c.Groups()[0].CommonLCPElement(); ok {
		t.Error("CommonLCPElement() should be absent when metrics disagree")
	}
}
