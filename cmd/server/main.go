package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stream-relay/internal/cameras"
	"stream-relay/internal/events"
	"stream-relay/internal/platform/config"
	"stream-relay/internal/platform/logger"
	"stream-relay/internal/platform/metrics"
	"stream-relay/internal/relay"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// cameraDirectory is the collaborator main owns: it also needs closing.
type cameraDirectory interface {
	cameras.Directory
	Close(ctx context.Context) error
}

type memoryCameras struct {
	*cameras.MemoryDirectory
}

func (memoryCameras) Close(context.Context) error { return nil }

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	ffmpegPath := config.GetEnv("FFMPEG_PATH", "ffmpeg")
	outputDir := config.GetEnv("HLS_OUTPUT_DIR", "./hls")
	publicBaseURL := config.GetEnv("PUBLIC_BASE_URL", "http://localhost:"+port)
	segmentSeconds := config.GetEnvInt("HLS_SEGMENT_SECONDS", 2)
	playlistSize := config.GetEnvInt("HLS_PLAYLIST_SIZE", 6)
	connectTimeout := config.GetEnvDuration("RTSP_CONNECT_TIMEOUT", 5*time.Second)
	stopGrace := config.GetEnvDuration("STOP_GRACE_PERIOD", relay.DefaultStopGracePeriod)
	stopKill := config.GetEnvDuration("STOP_KILL_TIMEOUT", relay.DefaultStopKillTimeout)
	retention := config.GetEnvDuration("TERMINAL_RETENTION", relay.DefaultTerminalRetention)
	reapInterval := config.GetEnvDuration("REAP_INTERVAL", relay.DefaultReapInterval)
	databaseURL := config.GetEnv("DATABASE_URL", "")
	relayFile := config.GetEnv("RELAY_CONFIG_FILE", "")

	log := logger.New(logLevel, logFormat)

	file, err := config.LoadRelayFile(relayFile)
	if err != nil {
		fatal(log, "load relay config", err)
	}
	profile, err := buildProfile(file.Transcoder, segmentSeconds, playlistSize, connectTimeout)
	if err != nil {
		fatal(log, "invalid transcoder profile", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, err := openCameras(ctx, databaseURL, file.Cameras)
	if err != nil {
		fatal(log, "open camera directory", err)
	}

	layout, err := relay.NewDirLayout(outputDir)
	if err != nil {
		fatal(log, "prepare output directory", err)
	}
	ffmpeg, err := relay.NewFFmpeg(ffmpegPath, profile, log.With(slog.String("component", "transcoder")))
	if err != nil {
		fatal(log, "configure transcoder", err)
	}

	versionCtx, cancelVersion := context.WithTimeout(ctx, 5*time.Second)
	version, err := ffmpeg.CheckVersion(versionCtx)
	cancelVersion()
	switch {
	case errors.Is(err, relay.ErrUnsupportedVersion):
		fatal(log, "transcoder too old", err)
	case err != nil:
		// The binary may be installed later; Spawn resolves it again.
		log.Warn("transcoder version check failed", slog.String("error", err.Error()))
	default:
		log.Info("transcoder found", slog.String("version", version))
	}

	met := metrics.New()
	hub := events.NewHub(events.DefaultHistory)

	sup, err := relay.NewSupervisor(relay.Config{
		OutputDir:         layout.Base(),
		PublicBaseURL:     publicBaseURL,
		StopGracePeriod:   stopGrace,
		StopKillTimeout:   stopKill,
		TerminalRetention: retention,
		ReapInterval:      reapInterval,
	}, relay.Deps{
		Registry:   relay.NewRegistry(),
		Filesystem: layout,
		Transcoder: ffmpeg,
		Cameras:    dir,
		Log:        log.With(slog.String("component", "supervisor")),
		Metrics:    met,
		Notifier:   hub,
	})
	if err != nil {
		fatal(log, "configure supervisor", err)
	}

	r := chi.NewRouter()
	r.Use(logger.RequestID(log))
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveStreams(sup.ActiveCount()) }).ServeHTTP(w, r)
	})
	r.Handle("/ws/streams", events.NewWSHandler(hub, log.With(slog.String("component", "events"))))
	relay.NewHandler(sup, log).Register(r)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("server starting",
		slog.String("port", port),
		slog.String("ffmpeg", ffmpegPath),
		slog.String("output_dir", layout.Base()),
		slog.String("public_base_url", publicBaseURL),
		slog.Int("segment_seconds", profile.SegmentSeconds),
		slog.Int("playlist_size", profile.PlaylistSize),
		slog.Duration("connect_timeout", profile.ConnectTimeout),
		slog.Bool("postgres", databaseURL != ""),
		slog.String("log_level", logLevel),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, stopping streams and draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Starts arriving while connections drain are refused with 503.
		if err := sup.Shutdown(shutdownCtx); err != nil {
			log.Error("stream shutdown error", slog.String("error", err.Error()))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return dir.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		fatal(log, "server error", err)
	}
	log.Info("server stopped")
}

// openCameras picks PostgreSQL when a DSN is configured, otherwise an
// in-memory directory seeded from the relay file.
func openCameras(ctx context.Context, dsn string, seed []config.CameraSeed) (cameraDirectory, error) {
	if dsn != "" {
		pg, err := cameras.NewPostgresDirectory(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	mem := cameras.NewMemoryDirectory()
	for _, c := range seed {
		mem.Put(cameras.Camera{ID: c.ID, Name: c.Name})
	}
	return memoryCameras{mem}, nil
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
