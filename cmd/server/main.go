package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"media-harbor/internal/bus"
	"media-harbor/internal/catalog"
	"media-harbor/internal/config"
	apphttp "media-harbor/internal/http"
	"media-harbor/internal/killswitch"
	"media-harbor/internal/repository/sqlite"
	"media-harbor/internal/storage"
	"media-harbor/internal/transfer"
	"media-harbor/internal/tunnel"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	mediaRepo := sqlite.NewMediaRepository(db)
	userRepo := sqlite.NewUserRepository(db)
	if err := mediaRepo.Init(ctx); err != nil {
		logger.Fatalf("init media repository: %v", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	events := bus.New(logger)
	defer events.Close()

	engine := transfer.NewEngine(transfer.Config{
		DownloadDir:    cfg.Download.Directory,
		MaxConnections: cfg.Download.MaxConnections,
		PortRange:      [2]int{cfg.Download.PortRangeLo, cfg.Download.PortRangeHi},
		Seeding: transfer.SeedingConfig{
			Enabled:    cfg.Seeding.Enabled,
			RatioLimit: cfg.Seeding.RatioLimit,
			TimeLimit:  cfg.Seeding.TimeLimit,
		},
		Logger: logger,
	}, events, nil)
	if err := engine.Start(ctx); err != nil {
		logger.Fatalf("start transfer engine: %v", err)
	}
	defer engine.Shutdown()

	var (
		tunnelSvc *tunnel.Service
		apiTunnel apphttp.Tunnel
	)
	if cfg.Tunnel.Enabled {
		wgConf, err := tunnel.ParseConfigFile(cfg.Tunnel.ConfigFile)
		if err != nil {
			logger.Fatalf("tunnel config: %v", err)
		}
		device := tunnel.NewWireGuardDevice(cfg.Tunnel.Interface, wgConf, logger)
		binding := tunnel.NewBinding(logger)
		tunnelSvc = tunnel.NewService(tunnel.Config{
			Interface:           cfg.Tunnel.Interface,
			AutoReconnect:       cfg.Tunnel.AutoReconnect,
			HealthCheckInterval: cfg.Tunnel.HealthCheckInterval,
			ReconnectMaxDelay:   cfg.Tunnel.ReconnectMaxDelay,
			Logger:              logger,
		}, device, binding, events)
		tunnelSvc.Start(ctx)
		defer tunnelSvc.Stop()
		apiTunnel = tunnelSvc

		if cfg.Tunnel.KillSwitch {
			coordinator := killswitch.New(engine, tunnelSvc, events, logger)
			go coordinator.Run()
			defer coordinator.Stop()
			// hold transfers until the tunnel is up
			engine.PauseAll()
		}

		if err := tunnelSvc.Connect(); err != nil {
			logger.WithError(err).Warn("initial tunnel connect failed")
		}
	}

	catalogSvc := catalog.New(mediaRepo, engine, events, cfg.Download.Directory, logger)
	go catalogSvc.Run()
	defer catalogSvc.Stop()

	var storageSvc storage.Service
	if cfg.Storage.Bucket != "" {
		storageSvc, err = buildStorage(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("setup storage: %v", err)
		}
		archiver := storage.NewArchiver(storage.ArchiverConfig{
			Bucket:      cfg.Storage.Bucket,
			KeyPrefix:   cfg.Storage.KeyPrefix,
			DownloadDir: cfg.Download.Directory,
			Logger:      logger,
		}, storageSvc, engine, events)
		go archiver.Run()
		defer archiver.Stop()
	}

	auth := apphttp.NewAuth(userRepo, cfg.Auth.JWTSecret)
	if auth != nil {
		if err := auth.Bootstrap(ctx, cfg.Auth.AdminPassword); err != nil {
			logger.Fatalf("bootstrap admin user: %v", err)
		}
	} else {
		logger.Warn("no jwt secret configured, api runs unauthenticated")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(
		engine,
		apiTunnel,
		catalogSvc,
		storageSvc,
		events,
		auth,
		cfg.Storage.Bucket,
		cfg.Tunnel.KillSwitch,
	)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	logger.Info("bye")
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
