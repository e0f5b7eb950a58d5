package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scottlaird/od-collector/storagelock"
	"github.com/scottlaird/od-collector/urlmetric"
)

// HTTP Metrics
var (
	requests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "url_metrics_collector_requests",
		Help: "The total number of received URL Metric submissions",
	})
	readErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "url_metrics_collector_read_errors",
		Help: "The number of HTTP requests that failed with read errors",
	})
	truncatedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "url_metrics_collector_truncated_errors",
		Help: "The number of HTTP requests that failed due to truncation for being too large",
	})
	parseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "url_metrics_collector_parse_errors",
		Help: "The number of HTTP requests that failed due to JSON parsing or validation errors",
	})
	rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "url_metrics_collector_rejected",
		Help: "The number of submissions rejected, by error code",
	}, []string{"code"})
	stored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "url_metrics_collector_stored",
		Help: "The number of URL Metrics stored",
	})
	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "url_metrics_collector_evicted",
		Help: "The number of stored URL Metrics evicted to keep groups within the sample size",
	})
	requestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "url_metrics_collector_request_latency_seconds",
		Help: "A histogram of request latency",
		// Create buckets from 1ms to 10 seconds, with 10 steps per order of magnitude,
		// or roughly a 25% jump between buckets.
		Buckets: prometheus.ExponentialBucketsRange(0.001, 10.000, 41),
	})
	responseCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "url_metrics_collector_status_codes",
		Help: "The number of each HTTP status code",
	}, []string{"status_code"})
	requestBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "url_metrics_collector_request_size_bytes",
		Help: "A histogram of request size",
		// Create buckets from 1 byte to 2 MB with 5 steps per order of magnitude,
		// or roughly a 60% jump between buckets.
		Buckets: prometheus.ExponentialBucketsRange(1, 10000000, 7*5+1),
	})
	requestElements = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "url_metrics_collector_request_size_elements",
		Help: "A histogram of the number of elements per URL Metric",
		// Create buckets from 1 to 1000 5 steps per order of magnitude,
		// or roughly a 60% jump between buckets.
		Buckets: prometheus.ExponentialBucketsRange(1, 1000, 3*5+1),
	})
)

// Error codes returned in the JSON error body.
const (
	CodeMissingParam     = "rest_missing_callback_param"
	CodeInvalidParam     = "rest_invalid_param"
	CodeInvalidHMAC      = "rest_invalid_hmac"
	CodeCrossOrigin      = "rest_cross_origin_forbidden"
	CodeStorageLocked    = "url_metric_storage_locked"
	CodeInvalidWidth     = "invalid_viewport_width"
	CodeGroupComplete    = "url_metric_group_complete"
	CodeRateLimited      = "rest_rate_limited"
	CodeRequestTooLarge  = "rest_request_too_large"
	CodeMethodNotAllowed = "rest_no_route"
	CodeInternalError    = "rest_internal_error"
)

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// URLMetricsHandler is a http.Handler that accepts URL Metric
// submissions.
type URLMetricsHandler struct {
	NumberOfProxies int
	MaxBytes        int64
	DB              DBConfig
	Config          *ConfigSource
	Signer          Signer

	// LockStore holds per-client storage lock times.  The TTL comes
	// from the current Config.
	LockStore storagelock.Store

	// Limiter caps accepted submissions across all clients.  nil
	// means unlimited.
	Limiter *rate.Limiter

	// PrimeToken authorizes od_prime=1 submissions to bypass the
	// storage lock.  Empty disables priming.
	PrimeToken string

	OnStored []StoredHook

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	hostname string
}

func NewURLMetricsHandler(db DBConfig, config *ConfigSource, signer Signer) *URLMetricsHandler {
	hostname, _ := os.Hostname()
	return &URLMetricsHandler{
		DB:        db,
		Config:    config,
		Signer:    signer,
		LockStore: storagelock.NewMemoryStore(MaxStorageLockTTL),
		hostname:  hostname,
	}
}

// MaximumBytes() returns the maximum number of bytes allowed in a
// POST request.  Any requests larger than this will fail and return a
// 413.
func (uh *URLMetricsHandler) MaximumBytes() int64 {
	if uh.MaxBytes > 0 {
		return uh.MaxBytes
	} else {
		return 1 << 20 // 1 MB
	}
}

func (uh *URLMetricsHandler) now() time.Time {
	if uh.Now != nil {
		return uh.Now()
	}
	return time.Now()
}

// ClientIP returns the address of the client, looking through
// NumberOfProxies entries of X-Forwarded-For.
func ClientIP(req *http.Request, numberOfProxies int) string {
	var clientIP string
	h, _, err := net.SplitHostPort(req.RemoteAddr)
	if err == nil {
		clientIP = h
	}
	if numberOfProxies > 0 {
		ips := req.Header.Get("X-Forwarded-For")
		addresses := strings.Split(ips, ",")
		if ips != "" && len(addresses) >= numberOfProxies {
			clientIP = strings.TrimSpace(addresses[len(addresses)-numberOfProxies])
		}
	}
	return clientIP
}

// isAllowedOrigin checks the Origin header against the allowed hosts,
// or against the page's own host when none are configured.  Ports are
// ignored.
func isAllowedOrigin(origin string, allowed []string, pageURL string) bool {
	if origin == "" || origin == "null" {
		return false
	}
	o, err := url.Parse(origin)
	if err != nil || o.Hostname() == "" {
		return false
	}
	if len(allowed) == 0 {
		p, err := url.Parse(pageURL)
		if err != nil {
			return false
		}
		allowed = []string{p.Host}
	}
	for _, a := range allowed {
		host := a
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			host = u.Host
		}
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if strings.EqualFold(host, o.Hostname()) {
			return true
		}
	}
	return false
}

// isPrime reports whether the request may bypass the storage lock.
func (uh *URLMetricsHandler) isPrime(req *http.Request) bool {
	if uh.PrimeToken == "" || req.URL.Query().Get(urlmetric.PrimeQueryParam) != "1" {
		return false
	}
	return req.Header.Get("Authorization") == "Bearer "+uh.PrimeToken
}

func writeJSON(resp http.ResponseWriter, status int, v any) {
	resp.Header().Set("Content-Type", "application/json; charset=utf-8")
	resp.WriteHeader(status)
	json.NewEncoder(resp).Encode(v)
}

// ServeHTTP handles URL Metric submissions.
func (uh *URLMetricsHandler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	start := time.Now()
	requests.Inc()

	ctx := req.Context()
	span := trace.SpanFromContext(ctx)
	span.AddEvent("Received request")

	// recordTime updates requestLatency with the time since this request started.
	recordTime := func() {
		elapsed := time.Since(start)
		requestLatency.Observe(elapsed.Seconds())
	}
	// fail handles failures, making sure that the span is
	// updated, an error body is returned, and status code metrics
	// are updated.
	fail := func(status int, err error, code, msg string, data map[string]any) {
		if err == nil {
			err = errors.New(msg)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		if data == nil {
			data = map[string]any{}
		}
		data["status"] = status
		writeJSON(resp, status, ErrorResponse{Code: code, Message: msg, Data: data})
		rejected.WithLabelValues(code).Inc()
		responseCodes.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
		recordTime()
	}

	if req.Method != "POST" {
		fail(405, nil, CodeMethodNotAllowed, "POST required", nil)
		return
	}

	if uh.Limiter != nil && !uh.Limiter.Allow() {
		fail(429, nil, CodeRateLimited, "Too many URL Metric submissions", nil)
		return
	}

	cfg := uh.Config.Current()
	q := req.URL.Query()
	slug, mac := q.Get("slug"), q.Get("hmac")

	var missing []string
	if slug == "" {
		missing = append(missing, "slug")
	}
	if mac == "" {
		missing = append(missing, "hmac")
	}
	if len(missing) > 0 {
		fail(400, nil, CodeMissingParam, "Missing parameter(s): "+strings.Join(missing, ", "),
			map[string]any{"params": missing})
		return
	}
	if !slugPattern.MatchString(slug) {
		fail(400, nil, CodeInvalidParam, "Invalid parameter(s): slug", map[string]any{"params": map[string]string{"slug": "must be a 32 character hex string"}})
		return
	}
	if !hmacPattern.MatchString(mac) {
		fail(400, nil, CodeInvalidParam, "Invalid parameter(s): hmac", map[string]any{"params": map[string]string{"hmac": "must be a 64 character hex string"}})
		return
	}

	limit := uh.MaximumBytes()

	body := bytes.NewBuffer(make([]byte, 0, 4096))
	b, err := body.ReadFrom(http.MaxBytesReader(resp, req.Body, limit+1))
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) || b > limit {
		truncatedErrors.Inc()
		slog.Error("Message truncated", "size", b)
		fail(413, err, CodeRequestTooLarge, "Too big", nil)
		return
	}
	if err != nil {
		readErrors.Inc()
		slog.Error("Unable to read from req.Body", "error", err)
		fail(400, err, CodeInvalidParam, "Read error", nil)
		return
	}

	requestBytes.Observe(float64(b))

	m, err := ParseMessage(body.Bytes())
	if err != nil {
		parseErrors.Inc()
		slog.Error("Unable to parse JSON", "error", err)
		fail(400, err, CodeInvalidParam, "Invalid parameter(s): url_metric", validationData(err))
		return
	}

	pageURL, err := NormalizeURL(m.URL)
	if err != nil || !uh.Signer.Verify(slug, pageURL, mac) {
		fail(403, err, CodeInvalidHMAC, "URL Metric HMAC verification failure.", nil)
		return
	}
	// The prime marker never ends up in storage.
	m.URL = urlmetric.StripPrimeParam(m.URL)

	clientIP := ClientIP(req, uh.NumberOfProxies)
	span.SetAttributes(attribute.String("url_metric.slug", slug), attribute.String("client.address", clientIP))

	prime := uh.isPrime(req)
	lock := storagelock.New(uh.LockStore, cfg.StorageLockTTL)
	now := uh.now()
	if !prime {
		locked, err := lock.IsLocked(ctx, clientIP, now)
		if err != nil {
			slog.Error("Unable to read storage lock", "error", err)
		}
		if locked {
			fail(403, nil, CodeStorageLocked, "URL Metric storage is presently locked for the current IP.", nil)
			return
		}
	}

	if !isAllowedOrigin(req.Header.Get("Origin"), cfg.AllowedOrigins, m.URL) {
		fail(400, nil, CodeCrossOrigin, "Cross-origin requests are not allowed for this endpoint.", nil)
		return
	}

	span.AddEvent("Loading URL Metrics")
	history, err := uh.DB.URLMetrics(ctx, slug)
	if err != nil {
		slog.Error("Unable to read from DB", "error", err)
		fail(500, err, CodeInternalError, "DB Error", nil)
		return
	}
	collection, err := urlmetric.NewGroupCollection(history, cfg.GroupConfig(), now)
	if err != nil {
		slog.Error("Unable to build URL Metric Group Collection", "slug", slug, "error", err)
		fail(500, err, CodeInternalError, "Invalid stored URL Metrics", nil)
		return
	}
	group, err := collection.GroupForViewportWidth(m.Viewport.Width)
	if err != nil {
		fail(400, err, CodeInvalidWidth, err.Error(), nil)
		return
	}
	if group.IsComplete() {
		fail(403, nil, CodeGroupComplete, "The URL Metric group for the provided viewport is already complete.", nil)
		return
	}

	// Any storage attempt consumes the lock, including ones that go on
	// to fail validation.
	if !prime {
		if err := lock.SetLock(ctx, clientIP, now); err != nil {
			slog.Error("Unable to set storage lock", "error", err)
		}
	}

	if err := urlmetric.Validate(m, cfg.Schema()); err != nil {
		parseErrors.Inc()
		fail(400, err, CodeInvalidParam, "Invalid parameter(s): url_metric", validationData(err))
		return
	}

	m.UUID = uuid.NewString()
	m.Timestamp = float64(now.UnixMicro()) / 1e6
	requestElements.Observe(float64(len(m.Elements)))

	evicted, err := collection.AddURLMetric(m)
	if err != nil {
		fail(500, err, CodeInternalError, "Unable to add URL Metric", nil)
		return
	}
	evictedIDs := make([]string, 0, len(evicted))
	for _, e := range evicted {
		evictedIDs = append(evictedIDs, e.UUID)
	}

	span.AddEvent(fmt.Sprintf("Writing URL Metric to DB, evicting %d", len(evicted)))
	err = uh.DB.Write(ctx, Record{
		Slug:      slug,
		Hostname:  uh.hostname,
		ClientIP:  clientIP,
		URLMetric: m,
	}, evictedIDs)
	if err != nil {
		slog.Error("Unable to write to DB", "error", err)
		fail(500, err, CodeInternalError, "DB Error", nil)
		return
	}
	stored.Inc()
	evictions.Add(float64(len(evicted)))

	uh.fireStored(ctx, StoredContext{
		Slug:       slug,
		URLMetric:  m,
		Group:      group,
		Collection: collection,
		Evicted:    evicted,
	})

	writeJSON(resp, 200, map[string]bool{"success": true})
	span.SetStatus(codes.Ok, "")

	responseCodes.WithLabelValues("200").Inc()
	recordTime()
}

func (uh *URLMetricsHandler) fireStored(ctx context.Context, sc StoredContext) {
	// Hooks outlive a client that has already hung up.
	ctx = context.WithoutCancel(ctx)
	for _, hook := range uh.OnStored {
		if err := hook(ctx, sc); err != nil {
			slog.Error("URL Metric stored hook failed", "slug", sc.Slug, "error", err)
		}
	}
}

// validationData names the offending field when err says which one it
// was.
func validationData(err error) map[string]any {
	var ve *urlmetric.ValidationError
	if errors.As(err, &ve) {
		return map[string]any{"params": map[string]string{"url_metric": ve.Error()}, "field": ve.Field}
	}
	return map[string]any{"params": map[string]string{"url_metric": err.Error()}}
}
