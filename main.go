package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opera-aberglund/nimble-server-lib/internal/config"
	"github.com/opera-aberglund/nimble-server-lib/internal/httpapi"
	"github.com/opera-aberglund/nimble-server-lib/internal/logging"
	"github.com/opera-aberglund/nimble-server-lib/internal/opswatch"
	"github.com/opera-aberglund/nimble-server-lib/internal/server"
	"github.com/opera-aberglund/nimble-server-lib/internal/simulation"
	"github.com/opera-aberglund/nimble-server-lib/internal/stepid"
	"github.com/opera-aberglund/nimble-server-lib/internal/stepjournal"
	"github.com/opera-aberglund/nimble-server-lib/internal/transport"
)

const journalSweepInterval = 10 * time.Minute

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}

	udpTransport, err := transport.NewUDPTransport(cfg.UDPAddr, cfg.MaxConnectionCount)
	if err != nil {
		logger.Fatal("failed to bind game transport", logging.Error(err), logging.String("address", cfg.UDPAddr))
	}
	defer udpTransport.Close()

	srv, err := server.New(server.Config{
		MaxConnectionCount:                 cfg.MaxConnectionCount,
		MaxParticipantCount:                cfg.MaxParticipantCount,
		WindowSize:                         cfg.WindowSize,
		MaxSingleParticipantStepOctetCount: cfg.MaxSingleParticipantStepOctetCount,
		ForcedStepDisconnectThreshold:      cfg.ForcedStepDisconnectThreshold,
		ApplicationVersion:                 cfg.ApplicationVersion,
		SessionSecret:                      cfg.SessionSecret,
		SessionTTL:                         cfg.SessionTTL,
	}, logger, stepid.ID(0))
	if err != nil {
		logger.Fatal("failed to construct server core", logging.Error(err))
	}

	journal, journalManifest, err := stepjournal.NewWriter(cfg.JournalDir, startedAt.Format("20060102T150405Z0700"),
		"nimble-server", cfg.ApplicationVersion, 0, time.Now)
	if err != nil {
		logger.Fatal("failed to open step journal", logging.Error(err), logging.String("dir", cfg.JournalDir))
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Warn("step journal close failed", logging.Error(err))
		}
	}()
	logger.Info("step journal opened", logging.String("events_path", journalManifest.EventsPath),
		logging.String("frames_path", journalManifest.FramesPath))

	cleaner := stepjournal.NewCleaner(cfg.JournalDir, stepjournal.RetentionPolicy{
		MaxMatches: cfg.JournalMaxMatches,
		MaxAge:     cfg.JournalMaxAge,
	}, logger)
	cleanerCtx, cancelCleaner := context.WithCancel(context.Background())
	defer cancelCleaner()
	go cleaner.Run(cleanerCtx, journalSweepInterval)

	watch := opswatch.NewWatch(logger.With(logging.String("component", "opswatch")), srv)
	defer watch.Close()

	var rateLimiter httpapi.RateLimiter
	if cfg.AdminDumpWindow > 0 && cfg.AdminDumpBurst > 0 {
		rateLimiter = httpapi.NewSlidingWindowLimiter(cfg.AdminDumpWindow, cfg.AdminDumpBurst, nil)
	}

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Stats:     srv,
		Readiness: srv,
		Journal: httpapi.JournalDumperFunc(func(ctx context.Context) (string, error) {
			if err := journal.Flush(); err != nil {
				return "", err
			}
			return journal.Directory(), nil
		}),
		AdminToken:  cfg.AdminToken,
		RateLimiter: rateLimiter,
	})

	mux := http.NewServeMux()
	opsHandlers.Register(mux)
	mux.Handle("/watch", watch)

	opsServer := &http.Server{
		Addr:    cfg.OpsAddr,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	go func() {
		logger.Info("ops http server listening", logging.String("address", cfg.OpsAddr))
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ops http server terminated", logging.Error(err))
		}
	}()

	simCtx, cancelSim := context.WithCancel(context.Background())
	stepLoop := simulation.NewLoop(float64(cfg.TickRateHz), func(time.Duration) {
		runTick(srv, udpTransport, journal, logger)
	})
	stepLoop.Start(simCtx)

	logger.Info("nimble-server-lib started", logging.String("udp_address", cfg.UDPAddr),
		logging.String("ops_address", cfg.OpsAddr), logging.Int("tick_rate_hz", cfg.TickRateHz))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, draining")
	cancelSim()
	stepLoop.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops http server shutdown failed", logging.Error(err))
	}
}

// runTick drains inbound datagrams, runs one composer pass and mirrors
// whatever the composer wrote to the authoritative ring into the step
// journal. Supplying fresh game state in response to
// MustProvideGameState is the host application's responsibility; here
// we only keep the provisioning invariant satisfied with an empty
// placeholder so download requests never stall indefinitely.
func runTick(srv *server.Server, t *transport.UDPTransport, journal *stepjournal.Writer, logger *logging.Logger) {
	beforeWriteID := srv.Game().AuthoritativeSteps.ExpectedWriteID()
	srv.Update(t)
	srv.Compose()

	composed := int(stepid.Distance(beforeWriteID, srv.Game().AuthoritativeSteps.ExpectedWriteID()))
	if composed > 0 {
		for _, entry := range srv.Game().AuthoritativeSteps.ReadRange(beforeWriteID, composed) {
			if err := journal.AppendStepFrame(uint32(entry.ID), entry.Payload); err != nil {
				logger.Warn("failed to append step frame to journal", logging.Error(err))
			}
		}
	}

	if srv.Game().MustProvideGameState() {
		readID := srv.Game().AuthoritativeSteps.ExpectedReadID()
		if err := srv.Game().SetGameState(nil, readID); err != nil {
			logger.Warn("failed to provision placeholder game state", logging.Error(err))
		}
	}
}
