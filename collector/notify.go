package collector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/scottlaird/od-collector/urlmetric"
)

// StoredChannel is the Redis channel RedisNotifier publishes to.
const StoredChannel = "url_metric_stored"

// StoredContext describes a URL Metric that was just stored.
type StoredContext struct {
	Slug       string
	URLMetric  urlmetric.URLMetric
	Group      *urlmetric.Group
	Collection *urlmetric.GroupCollection
	Evicted    []urlmetric.URLMetric
}

// StoredHook runs after a URL Metric is stored.  Hooks are fired and
// forgotten: an error is logged and doesn't affect the response.
type StoredHook func(ctx context.Context, sc StoredContext) error

// LogStored logs each stored URL Metric, along with the LCP element the
// group agrees on, if any.
func LogStored(_ context.Context, sc StoredContext) error {
	var lcpXPath string
	if e, ok := sc.Group.CommonLCPElement(); ok {
		lcpXPath = e.XPath
	}
	slog.Info("Stored URL Metric",
		"slug", sc.Slug,
		"uuid", sc.URLMetric.UUID,
		"viewport_width", sc.URLMetric.Viewport.Width,
		"group_min", sc.Group.MinimumViewportWidth(),
		"group_complete", sc.Group.IsComplete(),
		"group_lcp_element", lcpXPath,
		"every_group_populated", sc.Collection.IsEveryGroupPopulated(),
		"evicted", len(sc.Evicted))
	return nil
}

// RedisNotifier publishes the slug of each stored URL Metric, so that
// page caches can purge the page and serve newly optimized markup.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, sc StoredContext) error {
	if err := n.client.Publish(ctx, StoredChannel, sc.Slug).Err(); err != nil {
		return fmt.Errorf("PUBLISH %s failed: %w", StoredChannel, err)
	}
	return nil
}
