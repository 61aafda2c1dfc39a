package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/Amund211/datasource/internal/config"
	"github.com/Amund211/datasource/internal/datasource"
	"github.com/Amund211/datasource/internal/logging"
	"github.com/Amund211/datasource/internal/ratelimiting"
	"github.com/Amund211/datasource/internal/reporting"
	"github.com/Amund211/datasource/internal/request"
	"github.com/Amund211/datasource/internal/store"
	"github.com/Amund211/datasource/internal/telemetry"
	"github.com/Amund211/datasource/internal/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	_ "golang.org/x/crypto/x509roots/fallback"
)

const serviceName = "datasource-get"

func main() {
	os.Exit(run())
}

func run() int {
	instanceID := uuid.New().String()
	logger := slog.New(logging.NewTracingLogHandler(slog.NewJSONHandler(os.Stderr, nil))).With("instanceID", instanceID)

	if len(os.Args) != 4 {
		fmt.Fprintf(os.Stderr, "usage: %s <endpoint> <name> <json-args>\n", os.Args[0])
		return 2
	}
	endpoint, name, rawArgs := os.Args[1], os.Args[2], os.Args[3]

	if !json.Valid([]byte(rawArgs)) {
		logger.Error("Arguments are not valid JSON", "args", rawArgs)
		return 2
	}

	conf, err := config.ConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load config", "error", err.Error())
		return 1
	}
	logger.Info("Loaded config", "config", conf.NonSensitiveString())

	flush, err := reporting.NewSentryOrMock(conf)
	if err != nil {
		logger.Error("Failed to initialize Sentry", "error", err.Error())
		return 1
	}
	defer flush()

	ctx := logging.AddToContext(context.Background(), logger)
	ctx = reporting.AddHubToContext(ctx)
	ctx = reporting.SetStartedAtInContext(ctx, time.Now())
	ctx = reporting.AddTagsToContext(ctx, map[string]string{
		"endpoint": endpoint,
		"name":     name,
	})

	shutdownOTel, err := telemetry.SetupOTelSDK(ctx, serviceName)
	if err != nil {
		logger.Error("Failed to set up OpenTelemetry", "error", err.Error())
		return 1
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			logger.Warn("Failed to shut down OpenTelemetry", "error", err.Error())
		}
	}()

	httpClient := &http.Client{
		Timeout:   conf.RequestTimeout(),
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	connectionOptions := []transport.Option{}
	if rps := conf.RequestsPerSecond(); rps > 0 {
		limiter, stop := ratelimiting.NewTokenBucketRateLimiter(
			ratelimiting.RefillPerSecond(rps),
			ratelimiting.BurstSize(max(1, int(math.Ceil(rps)))),
		)
		defer stop()
		connectionOptions = append(connectionOptions, transport.WithLimiter(limiter))
	}

	conn, err := transport.NewConnection(transport.NewHTTPSender(httpClient, conf.BaseURL()), connectionOptions...)
	if err != nil {
		logger.Error("Failed to create connection", "error", err.Error())
		return 1
	}
	defer conn.Close()

	ds := datasource.New(conn,
		datasource.WithLogger(logger),
		datasource.WithStoreOptions(store.WithTTL(conf.CacheTTL())),
	)

	d, err := request.NewQuery(endpoint, name, json.RawMessage(rawArgs), request.RawCodec{})
	if err != nil {
		logger.Error("Failed to build request", "error", err.Error())
		return 2
	}

	value, err := datasource.GetAs[json.RawMessage](ctx, ds, d).Await(ctx)
	if err != nil {
		logger.Error("Request failed", "error", err.Error())
		return 1
	}

	fmt.Println(string(value))
	return 0
}
