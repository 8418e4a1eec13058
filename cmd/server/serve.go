package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"clinical-sim/internal/agent"
	"clinical-sim/internal/casedef"
	"clinical-sim/internal/config"
	"clinical-sim/internal/platform/kafka"
	"clinical-sim/internal/platform/logger"
	"clinical-sim/internal/platform/redislock"
	"clinical-sim/internal/platform/telegram"
	"clinical-sim/internal/report"
	"clinical-sim/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Infrastructure
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = openDB(ctx, cfg.Database.URL, log)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := applyMigrations(cfg.Database, log, func(m *migrate.Migrate) error { return m.Up() }); err != nil {
			return err
		}
	} else {
		log.Warn("DATABASE_URL is not set, sessions are kept in memory")
	}

	source, err := caseSource(ctx, cfg.Cases, db)
	if err != nil {
		return err
	}
	cases := casedef.NewRepository(source)

	// 2. Clients
	agents := agentClients(cfg.Agents, log)

	opts := session.Options{
		Logger: log,
		Timeouts: session.Timeouts{
			Agent:      cfg.Agents.Timeout(),
			Physiology: cfg.Agents.PhysiologyTimeout(),
			Evaluator:  cfg.Agents.EvaluatorTimeout(),
		},
	}
	if cfg.Redis.Addr != "" {
		locker, rdb, err := redislock.Dial(ctx, cfg.Redis.Addr, log)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts.Locker = locker
	}
	if brokers := kafka.ParseBrokers(cfg.Kafka.Brokers); len(brokers) > 0 {
		pub, err := kafka.NewPublisher(brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts.Publisher = pub
	}
	if cfg.Telegram.BotToken != "" {
		if cfg.Telegram.InstructorChatID == 0 {
			log.Warn("INSTRUCTOR_CHAT_ID is not set, completion summaries will not be sent")
		}
		opts.Notifier = report.NewService(telegram.NewClient(cfg.Telegram.BotToken), cfg.Telegram.InstructorChatID, log)
	}

	// 3. Services
	var repo session.Repository
	if db != nil {
		repo = session.NewRepository(db)
	} else {
		repo = session.NewMemoryRepository()
	}
	svc := session.NewService(repo, cases, agents, opts)
	handler := session.NewHandler(svc, log)

	// 4. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/api", func(r chi.Router) {
		session.RegisterRoutes(r, handler)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openDB(ctx context.Context, url string, log *logger.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	for i := 0; i < 10; i++ {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = db.PingContext(pctx)
		cancel()
		if err == nil {
			log.Info("connected to database")
			return db, nil
		}
		log.Warn("waiting for database", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	db.Close()
	return nil, fmt.Errorf("could not connect to database: %w", err)
}

func caseSource(ctx context.Context, cfg config.CasesConfig, db *sql.DB) (casedef.Source, error) {
	switch cfg.CaseSource() {
	case "dir":
		return casedef.NewDirSource(cfg.Dir), nil
	case "postgres":
		if db == nil {
			return nil, errors.New("postgres case source requires DATABASE_URL")
		}
		return casedef.NewPostgresSource(db), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("s3 case source requires CASES_S3_BUCKET")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
		}
		endpoint := awsCfg.BaseEndpoint
		if cfg.S3Endpoint != "" {
			endpoint = aws.String(cfg.S3Endpoint)
		}
		client := s3.New(s3.Options{
			Region:       awsCfg.Region,
			Credentials:  awsCfg.Credentials,
			HTTPClient:   awsCfg.HTTPClient,
			BaseEndpoint: endpoint,
			UsePathStyle: true,
		})
		return casedef.NewS3Source(client, cfg.S3Bucket, cfg.S3Prefix), nil
	default:
		return nil, fmt.Errorf("unknown case source %q", cfg.Source)
	}
}

// agentClients builds a client for every configured agent URL. Agents left
// unset stay nil; the diagnostic agent falls back to the in-process lifecycle.
func agentClients(cfg config.AgentsConfig, log *logger.Logger) session.Agents {
	httpClient := &http.Client{Timeout: cfg.EvaluatorTimeout() + 5*time.Second}

	var agents session.Agents
	if cfg.PatientURL != "" {
		agents.Patient = agent.NewPatientClient(cfg.PatientURL, httpClient)
	} else {
		log.Warn("PATIENT_AGENT_URL is not set, ask_patient will fail")
	}
	if cfg.TutorURL != "" {
		agents.Tutor = agent.NewTutorClient(cfg.TutorURL, httpClient)
	} else {
		log.Warn("TUTOR_AGENT_URL is not set, consult_tutor will fail")
	}
	if cfg.DiagnosticURL != "" {
		agents.Diagnostic = agent.NewDiagnosticClient(cfg.DiagnosticURL, httpClient)
	}
	if cfg.PhysiologyURL != "" {
		agents.Physiology = agent.NewPhysiologyClient(cfg.PhysiologyURL, httpClient)
	} else {
		log.Warn("PHYSIOLOGY_AGENT_URL is not set, physiology reconciliation is disabled")
	}
	if cfg.EvaluatorURL != "" {
		agents.Evaluator = agent.NewEvaluatorClient(cfg.EvaluatorURL, httpClient)
	} else {
		log.Warn("EVALUATOR_AGENT_URL is not set, end_case will fail")
	}
	return agents
}

// CORS for frontend
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
