package detect

import (
	"context"

	"github.com/scottlaird/od-collector/urlmetric"
)

// NodeID identifies a DOM element within one page view.  Zero means
// "no element".
type NodeID int

// Element is a breadcrumbed DOM element, annotated server-side with
// its XPath.
type Element struct {
	Node  NodeID
	XPath string
}

// IntersectionEntry is one IntersectionObserver record.
type IntersectionEntry struct {
	Target             NodeID
	IntersectionRatio  float64
	IntersectionRect   urlmetric.Rect
	BoundingClientRect urlmetric.Rect
}

// Metric is a web-vitals report.  Element is set on LCP reports and
// names the element the LCP entry points at.
type Metric struct {
	Name    string
	Value   float64
	Delta   float64
	ID      string
	Rating  string
	Element NodeID
}

// ReportOptions mirror the web-vitals library options.
type ReportOptions struct {
	ReportAllChanges bool
}

type ReportFunc func(Metric)

// OnMetricFunc registers a web-vitals callback.
type OnMetricFunc func(ReportFunc, ReportOptions)

// WebVitals is the web-vitals library as loaded in the page.
type WebVitals interface {
	OnTTFB(ReportFunc, ReportOptions)
	OnFCP(ReportFunc, ReportOptions)
	OnLCP(ReportFunc, ReportOptions)
	OnINP(ReportFunc, ReportOptions)
	OnCLS(ReportFunc, ReportOptions)
}

// SessionStorage is the per-tab key/value store.
type SessionStorage interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string) error
}

// Page is the browser environment a Detector runs in.  Wait* methods
// block until the event fires or ctx is done.  Callbacks may be
// invoked from any goroutine.
type Page interface {
	// URL is the page's location, including its query string.
	URL() string
	Viewport() urlmetric.Viewport
	ScrollTop() float64
	NowMillis() int64

	WaitDOMReady(ctx context.Context) error
	WaitLoad(ctx context.Context) error
	// WaitIdle returns at once when idle callbacks are unsupported.
	WaitIdle(ctx context.Context) error
	// WaitPageHide returns on pagehide, pageswap or the document
	// becoming hidden.
	WaitPageHide(ctx context.Context) error

	// OnResize and OnScroll register one-shot listeners.  The returned
	// function removes the listener.
	OnResize(func()) (remove func())
	OnScroll(func()) (remove func())

	BreadcrumbedElements() []Element
	// ObserveIntersections starts one observer with a zero threshold
	// relative to the viewport.  The first callback carries every
	// observed element.
	ObserveIntersections(elements []Element, callback func([]IntersectionEntry)) (disconnect func())

	WebVitals() WebVitals
	SessionStorage() SessionStorage

	// PostMessageToParent signals the embedding context, used by the
	// priming flow.
	PostMessageToParent(msg string)
}

// Transport delivers a serialized URL Metric.
type Transport interface {
	// SendBeacon queues body for delivery that survives page unload.
	// There is no way to learn the outcome.
	SendBeacon(url string, body []byte) bool
	// Fetch posts body and waits for the response.
	Fetch(ctx context.Context, url string, body []byte) error
}
