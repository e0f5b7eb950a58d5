package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scottlaird/od-collector/detect"
	"github.com/scottlaird/od-collector/urlmetric"
)

// DetectionArgs builds what the detector needs for pageURL from the
// stored URL Metrics.  Needed is false once every group is complete,
// in which case the page doesn't have to load the detector at all.
func DetectionArgs(pageURL string, cfg *Config, collection *urlmetric.GroupCollection, signer Signer, endpoint string) (detect.Args, error) {
	normalized, err := NormalizeURL(pageURL)
	if err != nil {
		return detect.Args{}, fmt.Errorf("bad page URL %q: %w", pageURL, err)
	}
	slug, err := Slug(pageURL)
	if err != nil {
		return detect.Args{}, err
	}

	args := detect.Args{
		Needed:                 !collection.IsEveryGroupComplete(),
		MinViewportAspectRatio: cfg.MinViewportAspectRatio,
		MaxViewportAspectRatio: cfg.MaxViewportAspectRatio,
		IsDebug:                cfg.Debug,
		ExtensionModules:       cfg.ExtensionModules,
		RestAPIEndpoint:        endpoint,
		CurrentURL:             normalized,
		URLMetricSlug:          slug,
		URLMetricHMAC:          signer.Sign(slug, normalized),
		URLMetricGroupStatuses: collection.Statuses(),
		StorageLockTTL:         int(cfg.StorageLockTTL / time.Second),
		FreshnessTTL:           int(cfg.FreshnessTTL / time.Second),
		SampleSize:             cfg.SampleSize,
	}
	if cfg.Debug {
		b, err := json.Marshal(collection)
		if err != nil {
			return detect.Args{}, err
		}
		args.URLMetricGroupCollection = b
	}
	return args, nil
}

// DetectionHandler serves detection args at `GET ?url=<page URL>`.
type DetectionHandler struct {
	DB     DBConfig
	Config *ConfigSource
	Signer Signer

	// Endpoint is the absolute URL of the URLMetricsHandler.
	Endpoint string

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Collection rebuilds the Group Collection for pageURL from storage.
func (dh *DetectionHandler) Collection(ctx context.Context, pageURL string, cfg *Config) (*urlmetric.GroupCollection, error) {
	slug, err := Slug(pageURL)
	if err != nil {
		return nil, err
	}
	history, err := dh.DB.URLMetrics(ctx, slug)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if dh.Now != nil {
		now = dh.Now()
	}
	return urlmetric.NewGroupCollection(history, cfg.GroupConfig(), now)
}

func (dh *DetectionHandler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	span := trace.SpanFromContext(ctx)

	fail := func(status int, err error, code, msg string) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		writeJSON(resp, status, ErrorResponse{Code: code, Message: msg, Data: map[string]any{"status": status}})
	}

	if req.Method != "GET" {
		fail(405, fmt.Errorf("method %s", req.Method), CodeMethodNotAllowed, "GET required")
		return
	}
	pageURL := req.URL.Query().Get("url")
	if pageURL == "" {
		fail(400, fmt.Errorf("no url"), CodeMissingParam, "Missing parameter(s): url")
		return
	}
	if u, err := url.Parse(pageURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		fail(400, fmt.Errorf("bad url %q", pageURL), CodeInvalidParam, "Invalid parameter(s): url")
		return
	}

	cfg := dh.Config.Current()
	collection, err := dh.Collection(ctx, pageURL, cfg)
	if err != nil {
		slog.Error("Unable to load URL Metrics", "url", pageURL, "error", err)
		fail(500, err, CodeInternalError, "DB Error")
		return
	}
	args, err := DetectionArgs(pageURL, cfg, collection, dh.Signer, dh.Endpoint)
	if err != nil {
		fail(400, err, CodeInvalidParam, "Invalid parameter(s): url")
		return
	}

	writeJSON(resp, 200, args)
	span.SetStatus(codes.Ok, "")
}
