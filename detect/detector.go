// Package detect implements the in-page detection controller that
// decides whether a page view should be sampled, measures the initial
// viewport layout and LCP element, lets extensions augment the result,
// and transmits it to the collector.
package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scottlaird/od-collector/urlmetric"
)

// State is a step of the detection pipeline.
type State int

const (
	Idle State = iota
	CheckingEligibility
	WaitingForPageReady
	WaitingForIdle
	CheckingStorageLock
	Observing
	Finalizing
	Transmitting
	Done
	Aborted
)

var stateNames = map[State]string{
	Idle:                "Idle",
	CheckingEligibility: "CheckingEligibility",
	WaitingForPageReady: "WaitingForPageReady",
	WaitingForIdle:      "WaitingForIdle",
	CheckingStorageLock: "CheckingStorageLock",
	Observing:           "Observing",
	Finalizing:          "Finalizing",
	Transmitting:        "Transmitting",
	Done:                "Done",
	Aborted:             "Aborted",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Messages posted to the parent context in priming mode.
const (
	MessagePrimeDone   = "done_prime"
	MessagePrimeFailed = "failed_prime"
)

var errAlreadyRun = errors.New("detector has already run")

// Option configures a Detector.
type Option func(*Detector)

// WithExtensions registers extensions by name.  Only those listed in
// Args.ExtensionModules are loaded.
func WithExtensions(exts ...Extension) Option {
	return func(d *Detector) {
		for _, e := range exts {
			d.registry[e.Name()] = e
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = l
	}
}

// Detector runs detection for exactly one page view.
type Detector struct {
	args      Args
	page      Page
	transport Transport
	registry  map[string]Extension
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	abortReason string

	extensions []Extension
	record     *record
	resized    atomic.Bool
}

func New(args Args, page Page, transport Transport, opts ...Option) *Detector {
	d := &Detector{
		args:      args,
		page:      page,
		transport: transport,
		registry:  map[string]Extension{},
		logger:    slog.Default().With("component", "detect"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State returns the current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// AbortReason says why the detector ended in Aborted.
func (d *Detector) AbortReason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.abortReason
}

// URLMetric returns a copy of the assembled record, once Finalizing
// has been reached.
func (d *Detector) URLMetric() (urlmetric.URLMetric, bool) {
	d.mu.Lock()
	r := d.record
	d.mu.Unlock()
	if r == nil {
		return urlmetric.URLMetric{}, false
	}
	return r.rootData(), true
}

func (d *Detector) debug(msg string, args ...any) {
	if d.args.IsDebug {
		d.logger.Info(msg, args...)
	}
}

func (d *Detector) warn(msg string, args ...any) {
	if d.args.IsDebug {
		d.logger.Warn(msg, args...)
	}
}

func (d *Detector) transition(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.debug("Detection state", "state", s)
}

func (d *Detector) abort(reason string) (State, error) {
	d.mu.Lock()
	d.state = Aborted
	d.abortReason = reason
	d.mu.Unlock()
	d.warn("Aborted detection", "reason", reason)
	return Aborted, nil
}

func (d *Detector) fail(err error) (State, error) {
	d.mu.Lock()
	d.state = Aborted
	d.abortReason = err.Error()
	d.mu.Unlock()
	return Aborted, err
}

func (d *Detector) isPrime() bool {
	u, err := url.Parse(d.page.URL())
	if err != nil {
		return false
	}
	return u.Query().Get(urlmetric.PrimeQueryParam) == "1"
}

func (d *Detector) now() time.Time {
	return time.UnixMilli(d.page.NowMillis())
}

// Run drives the pipeline to Done or Aborted.  Ineligibility is not
// an error; an error is only returned when a wait was interrupted by
// ctx.
func (d *Detector) Run(ctx context.Context) (State, error) {
	d.mu.Lock()
	if d.state != Idle {
		state := d.state
		d.mu.Unlock()
		return state, errAlreadyRun
	}
	d.state = CheckingEligibility
	d.mu.Unlock()
	d.debug("Detection state", "state", CheckingEligibility)

	if d.args.IsDebug {
		d.logStoredURLMetrics()
	}

	vp := d.page.Viewport()
	if !IsViewportNeeded(vp.Width, d.args.URLMetricGroupStatuses) {
		return d.abort("No need for URL Metrics from the current viewport.")
	}
	if vp.Height <= 0 {
		return d.abort("Viewport has no height.")
	}
	aspectRatio := float64(vp.Width) / float64(vp.Height)
	if aspectRatio < d.args.MinViewportAspectRatio || aspectRatio > d.args.MaxViewportAspectRatio {
		return d.abort(fmt.Sprintf("Viewport aspect ratio (%v) is not in the accepted range of %v to %v.",
			aspectRatio, d.args.MinViewportAspectRatio, d.args.MaxViewportAspectRatio))
	}

	d.transition(WaitingForPageReady)
	if err := d.page.WaitDOMReady(ctx); err != nil {
		return d.fail(err)
	}

	d.transition(WaitingForIdle)
	if err := d.page.WaitLoad(ctx); err != nil {
		return d.fail(err)
	}
	if err := d.page.WaitIdle(ctx); err != nil {
		return d.fail(err)
	}

	d.transition(CheckingStorageLock)
	prime := d.isPrime()
	lock := newSessionLock(d.page.SessionStorage(), d.args.StorageLockTTL)
	if !prime {
		// An unreadable lock counts as unlocked.
		if locked, _ := lock.IsLocked(ctx, "", d.now()); locked {
			return d.abort("Aborted detection due to storage being locked.")
		}
	}

	removeResize := d.page.OnResize(func() { d.resized.Store(true) })
	defer removeResize()

	if d.page.ScrollTop() > 0 {
		return d.abort("Aborted detection since initial scroll position of page is not at the top.")
	}

	d.transition(Observing)
	d.debug("Proceeding with detection")
	d.initializeExtensions(ctx)

	entries, xpaths, candidates, err := d.observe(ctx)
	if err != nil {
		return d.fail(err)
	}
	d.debug("Detection is stopping.")

	d.transition(Finalizing)
	rec := newRecord(d.assemble(prime, entries, xpaths, candidates))
	d.mu.Lock()
	d.record = rec
	d.mu.Unlock()
	d.debug("Current URL Metric", "url_metric", rec.rootData())

	if !prime {
		if err := d.page.WaitPageHide(ctx); err != nil {
			return d.fail(err)
		}
	}

	// A resized viewport measured something other than what was
	// requested, so the whole sample is dropped.
	if d.resized.Load() {
		return d.abort("Aborting URL Metric collection due to viewport size change.")
	}

	d.finalizeExtensions(ctx, rec)

	d.transition(Transmitting)
	if !prime {
		// The beacon response can't be read, so the lock is set even if
		// the server ends up rejecting the submission.
		if err := lock.SetLock(ctx, "", d.now()); err != nil {
			d.debug("Unable to set storage lock", "error", err)
		}
	}
	d.transmit(ctx, prime, rec.rootData())

	d.transition(Done)
	return Done, nil
}

// observe watches breadcrumbed elements and LCP until the first
// intersection batch and the first LCP report have both arrived.
func (d *Detector) observe(ctx context.Context) ([]IntersectionEntry, map[NodeID]string, []Metric, error) {
	elements := d.page.BreadcrumbedElements()
	xpaths := make(map[NodeID]string, len(elements))
	for _, e := range elements {
		xpaths[e.Node] = e.XPath
	}

	var (
		mu         sync.Mutex
		stopped    bool
		detached   bool
		entries    []IntersectionEntry
		candidates []Metric
		firstBatch = make(chan struct{})
		firstLCP   = make(chan struct{})
		batchOnce  sync.Once
		lcpOnce    sync.Once
	)

	unobserve := func() {}
	if len(elements) > 0 {
		unobserve = d.page.ObserveIntersections(elements, func(batch []IntersectionEntry) {
			mu.Lock()
			if !stopped && !detached {
				entries = append(entries, batch...)
			}
			mu.Unlock()
			batchOnce.Do(func() { close(firstBatch) })
		})
	} else {
		close(firstBatch)
	}
	// Batches already queued by the page are dropped once disconnected.
	disconnect := sync.OnceFunc(func() {
		mu.Lock()
		detached = true
		mu.Unlock()
		unobserve()
	})

	// reportAllChanges makes sure a candidate is reported even if the
	// user never interacts with the page.
	d.page.WebVitals().OnLCP(func(m Metric) {
		mu.Lock()
		if !stopped {
			candidates = append(candidates, m)
		}
		mu.Unlock()
		lcpOnce.Do(func() { close(firstLCP) })
	}, ReportOptions{ReportAllChanges: true})

	stop := func() {
		disconnect()
		mu.Lock()
		stopped = true
		mu.Unlock()
	}

	select {
	case <-firstBatch:
	case <-ctx.Done():
		stop()
		return nil, nil, nil, ctx.Err()
	}

	// Only the initial viewport is of interest.
	removeScroll := d.page.OnScroll(disconnect)
	defer removeScroll()

	select {
	case <-firstLCP:
	case <-ctx.Done():
		stop()
		return nil, nil, nil, ctx.Err()
	}
	stop()

	mu.Lock()
	defer mu.Unlock()
	return entries, xpaths, candidates, nil
}

func (d *Detector) assemble(prime bool, entries []IntersectionEntry, xpaths map[NodeID]string, candidates []Metric) urlmetric.URLMetric {
	currentURL := d.args.CurrentURL
	if prime {
		currentURL = urlmetric.StripPrimeParam(currentURL)
	}
	m := urlmetric.URLMetric{
		URL:      currentURL,
		Viewport: d.page.Viewport(),
		Elements: []urlmetric.ElementData{},
	}

	var lcpNode NodeID
	if len(candidates) > 0 {
		lcpNode = candidates[len(candidates)-1].Element
	}
	wasCandidate := map[NodeID]bool{}
	for _, c := range candidates {
		if c.Element != 0 {
			wasCandidate[c.Element] = true
		}
	}

	seen := map[string]bool{}
	for _, e := range entries {
		xpath, ok := xpaths[e.Target]
		if !ok {
			d.debug("Unable to look up XPath for element", "node", e.Target)
			continue
		}
		// The first report is the initial layout.
		if seen[xpath] {
			continue
		}
		seen[xpath] = true
		m.Elements = append(m.Elements, urlmetric.ElementData{
			XPath:              xpath,
			IsLCP:              lcpNode != 0 && e.Target == lcpNode,
			IsLCPCandidate:     wasCandidate[e.Target],
			IntersectionRatio:  e.IntersectionRatio,
			IntersectionRect:   e.IntersectionRect,
			BoundingClientRect: e.BoundingClientRect,
		})
	}
	return m
}

func (d *Detector) initializeExtensions(ctx context.Context) {
	vitals := d.page.WebVitals()
	args := InitializeArgs{
		IsDebug: d.args.IsDebug,
		OnTTFB:  vitals.OnTTFB,
		OnFCP:   vitals.OnFCP,
		OnLCP:   vitals.OnLCP,
		OnINP:   vitals.OnINP,
		OnCLS:   vitals.OnCLS,
	}

	var (
		calls []func(context.Context) error
		names []string
	)
	for _, name := range d.args.ExtensionModules {
		ext, ok := d.registry[name]
		if !ok {
			d.logger.Error("Failed to start initializing extension", "extension", name, "error", "extension is not registered")
			continue
		}
		d.extensions = append(d.extensions, ext)
		if init, ok := ext.(Initializer); ok {
			calls = append(calls, func(ctx context.Context) error { return init.Initialize(ctx, args) })
			names = append(names, name)
		}
	}
	for i, err := range settle(ctx, calls) {
		if err != nil {
			d.logger.Error("Failed to initialize extension", "extension", names[i], "error", err)
		}
	}
}

func (d *Detector) finalizeExtensions(ctx context.Context, rec *record) {
	var (
		calls []func(context.Context) error
		names []string
	)
	args := rec.finalizeArgs(d.args.IsDebug)
	for _, ext := range d.extensions {
		if fin, ok := ext.(Finalizer); ok {
			calls = append(calls, func(ctx context.Context) error { return fin.Finalize(ctx, args) })
			names = append(names, ext.Name())
		}
	}
	for i, err := range settle(ctx, calls) {
		if err != nil {
			d.logger.Error("Failed to finalize extension", "extension", names[i], "error", err)
		}
	}
}

// endpointURL is where the URL Metric is posted.
func (d *Detector) endpointURL(prime bool) (string, error) {
	u, err := url.Parse(d.args.RestAPIEndpoint)
	if err != nil {
		return "", fmt.Errorf("bad REST API endpoint %q: %w", d.args.RestAPIEndpoint, err)
	}
	q := u.Query()
	q.Set("slug", d.args.URLMetricSlug)
	if prime {
		q.Set(urlmetric.PrimeQueryParam, "1")
	}
	q.Set("hmac", d.args.URLMetricHMAC)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Detector) transmit(ctx context.Context, prime bool, m urlmetric.URLMetric) {
	d.debug("Sending URL Metric", "url_metric", m)

	endpoint, err := d.endpointURL(prime)
	if err == nil {
		var body []byte
		body, err = json.Marshal(m)
		if err == nil {
			if !prime {
				if !d.transport.SendBeacon(endpoint, body) {
					d.debug("Beacon was not queued")
				}
				return
			}
			err = d.transport.Fetch(ctx, endpoint, body)
		}
	}

	if err != nil {
		d.logger.Error("Failed to send URL Metric", "error", err)
		if prime {
			d.page.PostMessageToParent(MessagePrimeFailed)
		}
		return
	}
	d.page.PostMessageToParent(MessagePrimeDone)
}

// logStoredURLMetrics prints what the server already holds, newest
// first.
func (d *Detector) logStoredURLMetrics() {
	if len(d.args.URLMetricGroupCollection) == 0 {
		return
	}
	var collection struct {
		Groups []struct {
			URLMetrics []struct {
				UUID      string  `json:"uuid"`
				Timestamp float64 `json:"timestamp"`
			} `json:"url_metrics"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(d.args.URLMetricGroupCollection, &collection); err != nil {
		d.warn("Unable to decode stored URL Metric Group Collection", "error", err)
		return
	}

	type stored struct {
		uuid      string
		timestamp float64
	}
	var all []stored
	for _, g := range collection.Groups {
		for _, m := range g.URLMetrics {
			all = append(all, stored{m.UUID, m.Timestamp})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].timestamp > all[j].timestamp })
	d.debug("Stored URL Metric Group Collection", "groups", len(collection.Groups), "url_metrics", len(all))
	for _, m := range all {
		created := time.UnixMilli(int64(m.timestamp * 1000)).UTC()
		d.debug("Stored URL Metric", "uuid", m.uuid, "created", created)
	}
}
