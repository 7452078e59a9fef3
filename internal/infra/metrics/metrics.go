package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	DealsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deals_created_total",
		Help: "Количество созданных сделок",
	})
	DealTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deal_transitions_total",
		Help: "Переходы сделок по статусам",
	}, []string{"from", "to"})
	EscrowDeriveErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrow_derive_errors_total",
		Help: "Ошибки вывода эскроу-адреса",
	})
	VerificationSweepSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "verification_sweep_seconds",
		Help:    "Длительность одного прохода воркера проверки постов",
		Buckets: prometheus.DefBuckets,
	})
	VerificationOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verification_outcomes_total",
		Help: "Вердикты проверки постов",
	}, []string{"outcome"})
	VerificationSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "verification_skipped_total",
		Help: "Сделки, отложенные до следующего прохода из-за временных сбоев",
	})
	NotifierSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_send_errors_total",
		Help: "Ошибки отправки уведомлений ботом",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		DealsCreatedTotal,
		DealTransitionsTotal,
		EscrowDeriveErrors,
		VerificationSweepSeconds,
		VerificationOutcomesTotal,
		VerificationSkippedTotal,
		NotifierSendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveTransition записывает переход сделки между статусами.
func ObserveTransition(from, to string) {
	DealTransitionsTotal.WithLabelValues(from, to).Inc()
}
