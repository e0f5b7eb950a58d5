package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/scottlaird/od-collector/collector"
	"github.com/scottlaird/od-collector/storagelock"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	oltpgrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

var (
	listenAddr        = flag.String("listen", ":8080", "Port (and optionally host) to listen for HTTP requests on.")
	readTimeout       = flag.Int("read_timeout", 10, "Seconds to wait for HTTP reads to finish,")
	writeTimeout      = flag.Int("write_timeout", 10, "Seconds to wait for HTTP writes to finish.")
	maxMsgSize        = flag.Int("max_message_size", 1<<20, "Maximum number of bytes allowed in a URL Metric POST request.")
	numberOfProxies   = flag.Int("number_of_proxies", 0, "Number of HTTP proxies to expect; this controls how client IPs are extracted from X-Forwarded-For headers.")
	dbTable           = flag.String("db_table", "", "Name of the database table to store URL Metrics in.")
	createTable       = flag.Bool("create_table", false, "Create the database table if it doesn't exist.")
	trace             = flag.Bool("trace", false, "Enable otel tracing.")
	metricsAddr       = flag.String("metrics_listen", "", "Port (and optionally host) to serve Prometheus metrics on.  Disabled if empty.")
	redisAddr         = flag.String("redis_addr", "", "Redis address for shared storage locks and stored notifications.  Locks are kept in memory if empty.")
	configPath        = flag.String("config", "", "YAML file with sampling settings; reloaded when it changes.")
	endpoint          = flag.String("endpoint", "", "Absolute URL that detectors should POST URL Metrics to.")
	maxSubmissionRate = flag.Float64("max_submission_rate", 0, "Maximum URL Metric submissions per second across all clients.  Unlimited if 0.")
)

func initTracer() (*sdktrace.TracerProvider, error) {
	exporter, err := oltpgrpc.New(context.Background())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}

func main() {
	flag.Parse()

	if *dbTable == "" {
		fmt.Fprintf(os.Stderr, "Must supply --db_table=<tablename> at a minimum\n")
		os.Exit(1)
	}
	// Secrets come from the environment, like DSN.
	hmacKey := os.Getenv("OD_HMAC_KEY")
	if hmacKey == "" {
		fmt.Fprintf(os.Stderr, "Must set OD_HMAC_KEY\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up otel tracing
	if *trace {
		tp, err := initTracer()
		if err != nil {
			slog.Error("Unable to initialize otel tracer", "error", err)
			os.Exit(1)
		}
		defer func() {
			tp.Shutdown(context.Background())
		}()
	}

	cfg := collector.DefaultConfig()
	config := collector.NewConfigSource(&cfg)
	if *configPath != "" {
		c, err := collector.LoadConfig(*configPath)
		if err != nil {
			slog.Error("Unable to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		config.Store(c)
		go func() {
			if err := config.Watch(ctx, *configPath); err != nil {
				slog.Error("Unable to watch config", "path", *configPath, "error", err)
			}
		}()
	}

	db := collector.NewSqlDriver(*dbTable)
	err := db.Connect(ctx)
	if err != nil {
		slog.Error("Unable to connect to database", "error", err)
		os.Exit(1)
	}
	if *createTable {
		if err := db.CreateTable(ctx); err != nil {
			slog.Error("Unable to create table", "error", err)
			os.Exit(1)
		}
	}

	signer := collector.Signer{Key: []byte(hmacKey)}
	handler := collector.NewURLMetricsHandler(db, config, signer)
	handler.NumberOfProxies = *numberOfProxies
	handler.MaxBytes = int64(*maxMsgSize)
	handler.PrimeToken = os.Getenv("OD_PRIME_TOKEN")
	handler.OnStored = []collector.StoredHook{collector.LogStored}
	if *maxSubmissionRate > 0 {
		handler.Limiter = rate.NewLimiter(rate.Limit(*maxSubmissionRate), max(1, int(*maxSubmissionRate)))
	}

	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Unable to connect to Redis", "addr", *redisAddr, "error", err)
			os.Exit(1)
		}
		handler.LockStore = storagelock.NewRedisStore(rdb, collector.MaxStorageLockTTL)
		handler.OnStored = append(handler.OnStored, collector.NewRedisNotifier(rdb).Notify)
	}

	detection := &collector.DetectionHandler{
		DB:       db,
		Config:   config,
		Signer:   signer,
		Endpoint: *endpoint,
	}

	mux := http.NewServeMux()
	mux.Handle("/url-metrics:store", handler)
	mux.Handle("/url-metrics:detect", detection)

	var h http.Handler = mux
	if *trace {
		h = otelhttp.NewHandler(mux, "od")
	}

	if *metricsAddr != "" {
		go func() {
			slog.Info("Serving metrics", "addr", *metricsAddr)
			if err := collector.RunMetricsServer(ctx, *metricsAddr); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	s := &http.Server{
		Addr:           *listenAddr,
		Handler:        h,
		ReadTimeout:    time.Duration(*readTimeout) * time.Second,
		WriteTimeout:   time.Duration(*writeTimeout) * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	slog.Info("Listening", "addr", s.Addr)
	err = s.ListenAndServe()
	if err != nil {
		panic(err)
	}
}
