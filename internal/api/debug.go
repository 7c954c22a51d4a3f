package api

import (
	"net/http"
	"time"

	"hookrelay/internal/buildinfo"
)

// DebugJSON exposes build and effective (non-secret) config for operators.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	d := s.Cfg.Dispatcher
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":             s.Cfg.Port,
			"authMode":         s.Cfg.Auth.Mode,
			"hasDatabaseUrl":   s.Cfg.DatabaseURL != "",
			"hasRedisUrl":      s.Cfg.RedisURL != "",
			"interval":         d.Interval.String(),
			"batchSize":        d.BatchSize,
			"concurrency":      d.Concurrency,
			"maxAttempts":      d.MaxAttempts,
			"backoffBase":      d.BackoffBase.String(),
			"sendTimeout":      d.SendTimeout.String(),
			"rateRps":          d.RateRPS,
			"inboundSources":   len(s.Cfg.Inbound.Sources),
			"inboundTolerance": s.Cfg.Inbound.Tolerance.String(),
		},
	})
}
