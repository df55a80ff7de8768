// Package main provides the prompt processing activator service.
//
// One activator instance serves one instrument: it accepts next-visit
// notifications over HTTP, preloads a local workspace from the central
// registry, waits for raw images, runs the configured pipelines, and exports
// the outputs back to the central registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/promptkit-io/activator/internal/activator"
	"github.com/promptkit-io/activator/internal/api"
	"github.com/promptkit-io/activator/internal/api/middleware"
	"github.com/promptkit-io/activator/internal/bucket"
	"github.com/promptkit-io/activator/internal/camera"
	"github.com/promptkit-io/activator/internal/config"
	"github.com/promptkit-io/activator/internal/exporter"
	"github.com/promptkit-io/activator/internal/pipelines"
	"github.com/promptkit-io/activator/internal/registry"
	"github.com/promptkit-io/activator/internal/replicator"
	"github.com/promptkit-io/activator/internal/runner"
	"github.com/promptkit-io/activator/internal/sphgeom"
	"github.com/promptkit-io/activator/internal/tokens"
	"github.com/promptkit-io/activator/internal/watcher"
	"github.com/promptkit-io/activator/internal/workspace"
)

// Version information.
const (
	version = "1.0.0"
	name    = "activator"
)

const (
	defaultRawTimeout = 2 * time.Minute

	defaultSkymapRings     = 120
	defaultSkymapPatchGrid = 10
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting activator service",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("instrument", serverConfig.Instrument),
	)

	cam, ok := camera.Lookup(serverConfig.Instrument)
	if !ok {
		logger.Error("Unsupported instrument", slog.String("instrument", serverConfig.Instrument))
		os.Exit(1)
	}

	// Rate limiter (graceful shutdown handled by server.shutdown()).
	middlewareConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
	)

	registryConfig := registry.LoadPostgresConfig()

	central, err := registry.NewPostgresRegistry(registryConfig)
	if err != nil {
		logger.Error("Failed to connect to central registry", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = central.Close()
	}()

	logger.Info("Central registry connected",
		slog.String("database_url", registryConfig.MaskDatabaseURL()),
		slog.Int("max_open_conns", registryConfig.MaxOpenConns),
	)

	var tokenStore tokens.Store

	authEnabled := config.GetEnvBool("ACTIVATOR_AUTH_ENABLED", false)
	if authEnabled {
		// The token table lives in the registry database, so the store
		// shares its connection pool.
		tokenStore = tokens.NewPersistentStore(central.DB(), logger)

		logger.Info("Service token authentication enabled",
			slog.String("database_url", registryConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("Service token authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set ACTIVATOR_AUTH_ENABLED=true to require service tokens"),
		)
	}

	bucketConfig := bucket.LoadConfig()

	images, err := bucket.NewMinioStore(bucketConfig)
	if err != nil {
		logger.Error("Failed to connect to image bucket", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Image bucket connected",
		slog.String("endpoint", bucketConfig.Endpoint),
		slog.String("bucket", bucketConfig.Bucket),
	)

	ws, err := buildWorkspace(serverConfig.Instrument, cam, images, bucketConfig, logger)
	if err != nil {
		logger.Error("Failed to initialize workspace", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rep := replicator.New(central, cam, loadSkymap(), replicator.Config{
		RegionPadding: sphgeom.ArcSeconds(config.GetEnvFloat("ACTIVATOR_REGION_PADDING_ARCSEC", 0)),
		HTMDepth:      config.GetEnvInt("ACTIVATOR_HTM_DEPTH", 0),
	}, logger)

	kafkaConfig := watcher.LoadKafkaConfig()
	consumerFactory := func() (watcher.Consumer, error) {
		return watcher.NewKafkaConsumer(kafkaConfig), nil
	}

	watch := watcher.New(images, consumerFactory,
		config.GetEnvDuration("ACTIVATOR_RAW_TIMEOUT", defaultRawTimeout),
		config.GetEnvDuration("ACTIVATOR_RAW_POLL_WAIT", 0),
		logger,
	)

	logger.Info("Raw image watcher initialized",
		slog.String("brokers", fmt.Sprintf("%v", kafkaConfig.Brokers)),
		slog.String("topic", kafkaConfig.Topic),
	)

	mainPipelines, err := loadPipelinesConfig(config.GetEnvStr("ACTIVATOR_PIPELINES_CONFIG", ""))
	if err != nil {
		logger.Error("Failed to load pipelines configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if mainPipelines == nil {
		logger.Error("ACTIVATOR_PIPELINES_CONFIG must point to a pipelines configuration file")
		os.Exit(1)
	}

	// Preprocessing pipelines are optional: with no config, the preprocess
	// stage is a no-op.
	prePipelines, err := loadPipelinesConfig(config.GetEnvStr("ACTIVATOR_PREPROCESSING_CONFIG", ""))
	if err != nil {
		logger.Error("Failed to load preprocessing configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	executor := &runner.SubprocessExecutor{
		Command:  config.GetEnvStr("ACTIVATOR_PIPELINE_COMMAND", "pipetask"),
		GraphDir: config.GetEnvStr("ACTIVATOR_GRAPH_DIR", ""),
		Logger:   logger,
	}

	run := runner.New(mainPipelines, prePipelines, executor,
		config.GetEnvStr("ACTIVATOR_DEPLOYMENT_ID", "local"), logger)

	processor := activator.NewProcessor(ws, rep, watch, run, exporter.New(central, logger), logger)

	server := api.NewServer(serverConfig, processor, tokenStore, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Activator service stopped")
}

// buildWorkspace creates the local repository. ACTIVATOR_LOCAL_REPO selects a
// filesystem-backed workspace; without it raws stay in the bucket and
// pipelines read them by URI.
func buildWorkspace(instrument string, cam camera.Camera, images bucket.Store,
	bucketConfig bucket.Config, logger *slog.Logger,
) (*workspace.Workspace, error) {
	var backend workspace.Backend

	if root := config.GetEnvStr("ACTIVATOR_LOCAL_REPO", ""); root != "" {
		backend = workspace.LocalPath{Root: root}
	} else {
		backend = workspace.RemoteStaging{BaseURI: "s3://" + bucketConfig.Bucket}
	}

	return workspace.New(context.Background(), workspace.Config{
		Instrument: instrument,
		Detectors:  cam.Detectors,
		Backend:    backend,
		Images:     images,
		Logger:     logger,
	})
}

// loadSkymap builds the tract/patch sky map template preloading uses. With
// no skymap configured, template preloading is disabled.
func loadSkymap() *sphgeom.SkyMap {
	skymapName := config.GetEnvStr("ACTIVATOR_SKYMAP_NAME", "")
	if skymapName == "" {
		return nil
	}

	return sphgeom.NewRingsSkyMap(skymapName,
		config.GetEnvInt("ACTIVATOR_SKYMAP_RINGS", defaultSkymapRings),
		config.GetEnvInt("ACTIVATOR_SKYMAP_PATCH_GRID", defaultSkymapPatchGrid),
	)
}

// loadPipelinesConfig reads and compiles a pipelines rule file. An empty
// path yields a nil config.
func loadPipelinesConfig(path string) (*pipelines.Config, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipelines config %s: %w", path, err)
	}

	cfg, err := pipelines.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid pipelines config %s: %w", path, err)
	}

	return cfg, nil
}
