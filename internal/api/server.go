package api

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"hookrelay/internal/auth"
	"hookrelay/internal/config"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
	"hookrelay/internal/webhooks"
)

type Server struct {
	Store   store.Store
	Pub     *webhooks.Publisher
	Inbound *webhooks.Verifier
	Auth    *auth.Verifier
	Broker  EventBroker
	Log     *zap.Logger
	Cfg     config.Config
}

// NewServer wires the store, publisher, verifier, and broker from config.
// Without DATABASE_URL it runs fully in memory.
func NewServer(cfg config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var s store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.MigrateDir("db/migrations"); err != nil {
			return nil, err
		}
		// fail fast at boot instead of sniffing per-call errors later
		if err := pg.CheckSchema(context.Background()); err != nil {
			return nil, err
		}
		s = pg
	}
	var broker EventBroker
	if cfg.RedisURL != "" {
		rb, err := NewRedisBroker(cfg.RedisURL)
		if err != nil {
			log.Warn("redis broker unavailable, using in-memory", zap.Error(err))
			broker = NewBroker()
		} else {
			broker = rb
		}
	} else {
		broker = NewBroker()
	}
	return &Server{
		Store:   s,
		Pub:     webhooks.NewPublisher(s, log, cfg.Dispatcher.MaxAttempts),
		Inbound: webhooks.NewVerifier(s, cfg.Inbound.Tolerance),
		Auth:    auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret),
		Broker:  broker,
		Log:     log,
		Cfg:     cfg,
	}, nil
}

// NewDispatcher creates the background delivery worker, wired to feed the
// live admin stream.
func (s *Server) NewDispatcher() *webhooks.Worker {
	w := webhooks.NewWorker(s.Store, s.Log, s.Cfg)
	w.OnResult = s.publishResult
	return w
}

func (s *Server) publishResult(d model.Delivery, out model.AttemptOutcome) {
	s.Broker.Publish(DeliveryEvent{
		Type:       "delivery.attempt",
		DeliveryID: d.ID,
		EndpointID: d.EndpointID,
		Event:      d.Event,
		Status:     d.Status,
		Attempt:    d.Attempts,
		StatusCode: out.StatusCode,
		Error:      out.Error,
		TS:         out.StartedAt,
	})
}
