package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/helpdesk-service/internal/broker"
	"github.com/psds-microservice/helpdesk-service/internal/clock"
	"github.com/psds-microservice/helpdesk-service/internal/config"
	"github.com/psds-microservice/helpdesk-service/internal/database"
	"github.com/psds-microservice/helpdesk-service/internal/handler"
	"github.com/psds-microservice/helpdesk-service/internal/identity"
	"github.com/psds-microservice/helpdesk-service/internal/inactivity"
	"github.com/psds-microservice/helpdesk-service/internal/kafka"
	"github.com/psds-microservice/helpdesk-service/internal/realtime"
	"github.com/psds-microservice/helpdesk-service/internal/router"
	"github.com/psds-microservice/helpdesk-service/internal/service"
	"github.com/psds-microservice/helpdesk-service/internal/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Core is the storage-backed part shared by every command.
type Core struct {
	DB       *gorm.DB
	Producer *kafka.Producer
	Tickets  *service.TicketService
	Broker   *broker.Broker
	Auth     *identity.JWTAuthenticator
	Registry *session.Registry
	Monitor  *inactivity.Monitor
}

// NewCore opens the database and builds the session registry, the ticket
// service and the inactivity monitor.
func NewCore(cfg *config.Config, log zerolog.Logger) (*Core, error) {
	db, err := database.Open(cfg.DSN(), log)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	b := broker.New()
	auth := identity.NewJWTAuthenticator(cfg.JWTSecret, db)
	registry := session.NewRegistry(auth, b, log)
	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicTicket, log)
	clk := clock.Real()
	tickets := service.NewTicketService(service.Deps{
		DB:        db,
		Publisher: b,
		Rooms:     registry,
		Producer:  producer,
		Clock:     clk,
		Log:       log,
	})
	monitor := inactivity.New(tickets, clk, inactivity.Config{
		Interval:  cfg.Inactivity.SweepInterval,
		Threshold: cfg.Inactivity.Threshold,
		Grace:     cfg.Inactivity.Grace,
	}, log)
	return &Core{
		DB:       db,
		Producer: producer,
		Tickets:  tickets,
		Broker:   b,
		Auth:     auth,
		Registry: registry,
		Monitor:  monitor,
	}, nil
}

func (c *Core) Close() error {
	c.Tickets.Drain()
	var errs []error
	if err := c.Producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	if sqlDB, err := c.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// API is the api mode: HTTP + WebSocket server and the inactivity monitor.
type API struct {
	cfg     *config.Config
	log     zerolog.Logger
	core    *Core
	httpSrv *http.Server
}

func NewAPI(cfg *config.Config, log zerolog.Logger) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL(), log); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	core, err := NewCore(cfg, log)
	if err != nil {
		return nil, err
	}

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	gateway := realtime.NewGateway(core.Registry, core.Tickets, realtime.Options{
		SendBuffer:     cfg.WS.SendBuffer,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	}, log)

	h := router.New(router.Handlers{
		Health:  handler.NewHealthHandler(core.DB),
		Tickets: handler.NewTicketHandler(core.Tickets, log),
		Users:   handler.NewUserHandler(core.Tickets, log),
		Gateway: gateway,
		Auth:    core.Auth,
	}, log)

	// WriteTimeout stays zero: upgraded WebSocket connections manage their
	// own deadlines.
	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &API{cfg: cfg, log: log, core: core, httpSrv: httpSrv}, nil
}

// Run serves HTTP and runs the inactivity monitor until ctx is cancelled,
// then shuts both down.
func (a *API) Run(ctx context.Context) error {
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	a.log.Info().
		Str("addr", a.httpSrv.Addr).
		Str("swagger", base+"/swagger").
		Str("api", base+"/api/v1/").
		Str("ws", "ws://"+host+":"+a.cfg.HTTPPort+"/ws").
		Bool("kafka", a.core.Producer.Enabled()).
		Msg("HTTP server listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.core.Monitor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	err := g.Wait()
	if cerr := a.core.Close(); cerr != nil {
		a.log.Warn().Err(cerr).Msg("close resources")
	}
	return err
}
