package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presentd_sessions_started_total",
			Help: "Total focus sessions started",
		},
		[]string{"mode"},
	)

	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presentd_sessions_ended_total",
			Help: "Total focus sessions ended",
		},
		[]string{"reason"},
	)

	SessionGoalsReached = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presentd_session_goals_reached_total",
			Help: "Total focus sessions that reached their goal duration",
		},
	)

	RewardXP = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presentd_reward_xp_total",
			Help: "Total XP credited for completed sessions",
		},
	)

	RewardCoins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presentd_reward_coins_total",
			Help: "Total coins credited for completed sessions",
		},
	)

	// Intention metrics
	AppOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presentd_app_opens_total",
			Help: "Total app open requests granted against a daily quota",
		},
		[]string{"package"},
	)

	QuotaDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presentd_quota_denials_total",
			Help: "Total app open requests denied for an exhausted quota",
		},
		[]string{"package"},
	)

	DailyResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presentd_daily_resets_total",
			Help: "Total per-intention daily quota resets performed",
		},
	)

	StreaksExtended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presentd_streaks_extended_total",
			Help: "Total streak increments across all intentions",
		},
	)

	StreaksBroken = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presentd_streaks_broken_total",
			Help: "Total streak resets to zero",
		},
	)

	FreezesConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presentd_streak_freezes_consumed_total",
			Help: "Total streak freezes consumed to preserve streaks",
		},
	)

	// Arbitration metrics
	Verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presentd_verdicts_total",
			Help: "Total foreground-app verdicts issued",
		},
		[]string{"action", "reason"},
	)

	VerdictCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presentd_verdict_cache_hits_total",
			Help: "Verdict cache hits",
		},
	)

	VerdictCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presentd_verdict_cache_misses_total",
			Help: "Verdict cache misses",
		},
	)

	EvaluationFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presentd_evaluation_faults_total",
			Help: "Foreground evaluations that failed open due to an internal error",
		},
	)

	TrackedIntentions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "presentd_tracked_intentions",
			Help: "Number of apps currently tracked by an intention",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsStarted,
		SessionsEnded,
		SessionGoalsReached,
		RewardXP,
		RewardCoins,
		AppOpens,
		QuotaDenials,
		DailyResets,
		StreaksExtended,
		StreaksBroken,
		FreezesConsumed,
		Verdicts,
		VerdictCacheHits,
		VerdictCacheMisses,
		EvaluationFaults,
		TrackedIntentions,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
