package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medibook/hospital-booking/internal/booking"
	"github.com/medibook/hospital-booking/internal/payment"
)

type RouterConfig struct {
	Service *booking.Service
	// Simulator is set when the local payment simulator backs the gateway;
	// it enables the mock /pay endpoint. Nil in production.
	Simulator *payment.Simulator
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	Logger    zerolog.Logger
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Get("/slots", listSlotsHandler(cfg.Service))

	r.Route("/patient", func(r chi.Router) {
		r.Use(PatientIDMiddleware)

		r.Post("/appointments", bookHandler(cfg.Service))
		r.Get("/appointments", listAppointmentsHandler(cfg.Service))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
		r.Put("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Service))
		r.Put("/appointments/{id}/reschedule", rescheduleHandler(cfg.Service))
		r.Post("/appointments/{id}/pay", payHandler(cfg.Service, cfg.Simulator))

		r.Post("/waitlist", enqueueWaitlistHandler(cfg.Service))
		r.Get("/waitlist", listWaitlistHandler(cfg.Service))
		r.Put("/waitlist/{id}/cancel", cancelWaitlistHandler(cfg.Service))
		r.Post("/waitlist/{id}/convert", convertWaitlistHandler(cfg.Service))

		r.Get("/payments/methods", paymentMethodsHandler())
	})

	// Gateway settlement callback; unauthenticated like the health endpoints,
	// the real deployment fronts it with a signature check.
	r.Post("/payments/{orderID}/notify", paymentCallbackHandler(cfg.Service))

	return r
}
