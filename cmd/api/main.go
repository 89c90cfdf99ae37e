package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"custodia.org/internal/access"
	"custodia.org/internal/alerting"
	"custodia.org/internal/audit"
	"custodia.org/internal/config"
	"custodia.org/internal/directory"
	"custodia.org/internal/emergency"
	"custodia.org/internal/httpapi"
	"custodia.org/internal/incident"
	"custodia.org/internal/obs"
	"custodia.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CUSTODIA_COMMIT"))

	cfg, err := config.Load(os.Getenv("CUSTODIA_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	engine := access.NewEngine()

	// Stores: Postgres when a DSN is configured, in-process otherwise.
	var (
		auditStore     audit.Store     = audit.NewMemory()
		incidentStore  incident.Store  = incident.NewMemory()
		emergencyStore emergency.Store = emergency.NewMemory()
		userStore      directory.Store = directory.NewMemory()
		probe          httpapi.ReadyProbe
	)
	if cfg.DatabaseURL != "" {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		auditStore = pgStore.Audit()
		incidentStore = pgStore.Incidents()
		emergencyStore = pgStore.Emergency()
		userStore = pgStore.Directory()
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	}

	auditor := audit.NewService(auditStore, engine,
		audit.WithRedactKeys(cfg.RedactionKeys),
		audit.WithExportCap(cfg.ExportCap),
	)

	var notifier alerting.Notifier = alerting.LogNotifier{}
	if cfg.AlertWebhookURL != "" {
		notifier = alerting.NewWebhookNotifier(cfg.AlertWebhookURL, 5*time.Second)
	}

	incidents := incident.NewService(incidentStore, auditor, engine, notifier,
		incident.WithBreachWindow(cfg.BreachWindow()),
	)
	incidents.SetThresholds(cfg.Thresholds)
	incidents.SetEscalationPath(cfg.EscalationPath())

	grants := emergency.NewService(emergencyStore, engine, auditor)
	stopSweeper := grants.StartSweeper(cfg.SweepInterval())
	defer stopSweeper()

	users := directory.NewService(userStore, engine, auditor)

	api := httpapi.New(httpapi.Config{
		ReadyProbe: probe,
		Version:    version,
		Authn:      httpapi.NewAuthenticator(cfg.JWTSecret),
		Audit:      auditor,
		Incidents:  incidents,
		Emergency:  grants,
		Directory:  users,
	})

	handler := httpapi.RequestID(
		httpapi.Logging(
			httpapi.SecurityHeaders(
				httpapi.CORS(
					httpapi.MaxBodyBytes(
						httpapi.RateLimit(api.Handler(), cfg.RateBurst, cfg.RatePerSec),
						cfg.MaxBodyBytes)))))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting custodia-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
