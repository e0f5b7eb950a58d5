package detect

import (
	"context"
	"errors"
	"sync"

	"github.com/scottlaird/od-collector/urlmetric"
)

type fakeSession struct {
	mu    sync.Mutex
	items map[string]string
}

func newFakeSession() *fakeSession {
	return &fakeSession{items: map[string]string{}}
}

func (s *fakeSession) GetItem(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok
}

func (s *fakeSession) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

type fakeVitals struct {
	mu      sync.Mutex
	lcp     []Metric
	lcpOpts []ReportOptions
	lcpFns  []ReportFunc
	others  []string
}

func (v *fakeVitals) OnLCP(fn ReportFunc, opts ReportOptions) {
	v.mu.Lock()
	v.lcpOpts = append(v.lcpOpts, opts)
	v.lcpFns = append(v.lcpFns, fn)
	reports := append([]Metric(nil), v.lcp...)
	v.mu.Unlock()
	go func() {
		for _, m := range reports {
			fn(m)
		}
	}()
}

// reportLCP delivers a late LCP report to every listener.
func (v *fakeVitals) reportLCP(m Metric) {
	v.mu.Lock()
	fns := append([]ReportFunc(nil), v.lcpFns...)
	v.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (v *fakeVitals) other(name string, fn ReportFunc) {
	v.mu.Lock()
	v.others = append(v.others, name)
	v.mu.Unlock()
	fn(Metric{Name: name, Value: 1})
}

func (v *fakeVitals) OnTTFB(fn ReportFunc, _ ReportOptions) { v.other("TTFB", fn) }
func (v *fakeVitals) OnFCP(fn ReportFunc, _ ReportOptions)  { v.other("FCP", fn) }
func (v *fakeVitals) OnINP(fn ReportFunc, _ ReportOptions)  { v.other("INP", fn) }
func (v *fakeVitals) OnCLS(fn ReportFunc, _ ReportOptions)  { v.other("CLS", fn) }

type fakePage struct {
	mu           sync.Mutex
	url          string
	viewport     urlmetric.Viewport
	scrollTop    float64
	nowMillis    int64
	elements     []Element
	entries      []IntersectionEntry
	vitals       *fakeVitals
	session      *fakeSession
	resizeFns    []func()
	scrollFns    []func()
	messages     []string
	disconnected bool
	intersect    func([]IntersectionEntry)

	// beforePageHide runs inside WaitPageHide.
	beforePageHide func(*fakePage)
	pageHidden     bool
}

func newFakePage() *fakePage {
	return &fakePage{
		url:       "https://example.com/blog/",
		viewport:  urlmetric.Viewport{Width: 500, Height: 800},
		nowMillis: 1_700_000_000_000,
		elements: []Element{
			{Node: 1, XPath: "/*[1][self::HTML]/*[2][self::BODY]/*[1][self::IMG]"},
			{Node: 2, XPath: "/*[1][self::HTML]/*[2][self::BODY]/*[2][self::DIV]"},
			{Node: 3, XPath: "/*[1][self::HTML]/*[2][self::BODY]/*[3][self::IMG]"},
		},
		entries: []IntersectionEntry{
			{Target: 1, IntersectionRatio: 1, IntersectionRect: urlmetric.Rect{Width: 500, Height: 300}, BoundingClientRect: urlmetric.Rect{Width: 500, Height: 300}},
			{Target: 2, IntersectionRatio: 0.5, IntersectionRect: urlmetric.Rect{Y: 300, Width: 500, Height: 100}, BoundingClientRect: urlmetric.Rect{Y: 300, Width: 500, Height: 200}},
			{Target: 3, IntersectionRatio: 0, BoundingClientRect: urlmetric.Rect{Y: 1200, Width: 500, Height: 300}},
		},
		vitals: &fakeVitals{lcp: []Metric{
			{Name: "LCP", Value: 100, Element: 2},
			{Name: "LCP", Value: 250, Element: 1},
		}},
		session: newFakeSession(),
	}
}

func (p *fakePage) URL() string                  { return p.url }
func (p *fakePage) Viewport() urlmetric.Viewport { return p.viewport }
func (p *fakePage) ScrollTop() float64           { return p.scrollTop }
func (p *fakePage) NowMillis() int64             { return p.nowMillis }

func (p *fakePage) WaitDOMReady(ctx context.Context) error { return ctx.Err() }
func (p *fakePage) WaitLoad(ctx context.Context) error     { return ctx.Err() }
func (p *fakePage) WaitIdle(ctx context.Context) error     { return ctx.Err() }

func (p *fakePage) WaitPageHide(ctx context.Context) error {
	if p.beforePageHide != nil {
		p.beforePageHide(p)
	}
	p.mu.Lock()
	p.pageHidden = true
	p.mu.Unlock()
	return ctx.Err()
}

func (p *fakePage) OnResize(fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizeFns = append(p.resizeFns, fn)
	return func() {}
}

func (p *fakePage) OnScroll(fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrollFns = append(p.scrollFns, fn)
	return func() {}
}

// fire runs and clears one-shot listeners.
func fire(mu *sync.Mutex, fns *[]func()) {
	mu.Lock()
	pending := *fns
	*fns = nil
	mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (p *fakePage) resize() { fire(&p.mu, &p.resizeFns) }
func (p *fakePage) scroll() { fire(&p.mu, &p.scrollFns) }

func (p *fakePage) scrollListeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.scrollFns)
}

func (p *fakePage) isDisconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

// intersectLater delivers another batch, as an observer still
// queued at disconnect time would.
func (p *fakePage) intersectLater(batch []IntersectionEntry) {
	p.mu.Lock()
	cb := p.intersect
	p.mu.Unlock()
	cb(batch)
}

func (p *fakePage) BreadcrumbedElements() []Element { return p.elements }

func (p *fakePage) ObserveIntersections(_ []Element, cb func([]IntersectionEntry)) func() {
	p.mu.Lock()
	p.intersect = cb
	entries := append([]IntersectionEntry(nil), p.entries...)
	p.mu.Unlock()
	go cb(entries)
	return func() {
		p.mu.Lock()
		p.disconnected = true
		p.mu.Unlock()
	}
}

func (p *fakePage) WebVitals() WebVitals           { return p.vitals }
func (p *fakePage) SessionStorage() SessionStorage { return p.session }

func (p *fakePage) PostMessageToParent(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

type sent struct {
	url  string
	body []byte
}

type fakeTransport struct {
	mu       sync.Mutex
	beacons  []sent
	fetches  []sent
	fetchErr error
}

func (t *fakeTransport) SendBeacon(url string, body []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beacons = append(t.beacons, sent{url, body})
	return true
}

func (t *fakeTransport) Fetch(_ context.Context, url string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetches = append(t.fetches, sent{url, body})
	return t.fetchErr
}

// testExtension records how it was called.
type testExtension struct {
	name        string
	initErr     error
	initPanic   bool
	finalize    func(FinalizeArgs) error
	initialized bool
	initArgs    InitializeArgs
}

func (e *testExtension) Name() string { return e.name }

func (e *testExtension) Initialize(_ context.Context, args InitializeArgs) error {
	if e.initPanic {
		panic("boom")
	}
	e.initialized = true
	e.initArgs = args
	return e.initErr
}

func (e *testExtension) Finalize(_ context.Context, args FinalizeArgs) error {
	if e.finalize == nil {
		return errors.New("no finalize configured")
	}
	return e.finalize(args)
}
