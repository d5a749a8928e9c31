// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/licguard/internal/api/handlers"
	apimiddleware "github.com/autobrr/licguard/internal/api/middleware"
	"github.com/autobrr/licguard/internal/auth"
	"github.com/autobrr/licguard/internal/database"
	"github.com/autobrr/licguard/internal/guard"
	"github.com/autobrr/licguard/internal/license"
	"github.com/autobrr/licguard/internal/metrics"
	"github.com/autobrr/licguard/internal/services"
	"github.com/autobrr/licguard/internal/web/swagger"
)

const healthTimeout = 2 * time.Second

// Dependencies holds all the dependencies needed for the API
type Dependencies struct {
	DB             *database.DB
	AuthService    *auth.Service
	Guard          *guard.Guard
	Authority      handlers.Authority
	Banner         handlers.BannerSource
	History        *services.HistoryService
	Stream         *handlers.StreamHub
	MetricsManager *metrics.Manager
	Swagger        *swagger.Handler
}

// NewRouter creates and configures the main application router
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apimiddleware.HTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(apimiddleware.LicenseStatus(deps.Guard))

	authHandler := handlers.NewAuthHandler(deps.AuthService)

	var adopt func(license.Status)
	var history handlers.HistorySource
	if deps.History != nil {
		adopt = deps.History.Adopt
		history = deps.History
	}
	licenseHandler := handlers.NewLicenseHandler(deps.Guard, deps.Authority, deps.Banner, history, adopt)

	r.Route("/api", func(r chi.Router) {
		r.Use(apimiddleware.RequireSetup(deps.AuthService))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/setup", authHandler.Setup)
			r.Get("/check-setup", authHandler.CheckSetupRequired)
			r.Post("/login", authHandler.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(apimiddleware.IsAuthenticated(deps.AuthService))

			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/auth/me", authHandler.GetCurrentUser)
			r.Put("/auth/change-password", authHandler.ChangePassword)

			r.Route("/api-keys", func(r chi.Router) {
				r.Get("/", authHandler.ListAPIKeys)
				r.Post("/", authHandler.CreateAPIKey)
				r.Delete("/{id}", authHandler.DeleteAPIKey)
			})

			r.Route("/license", func(r chi.Router) {
				r.Get("/status", licenseHandler.GetStatus)
				r.Post("/check", licenseHandler.Check)
				r.Post("/refresh", licenseHandler.Refresh)
				r.Post("/force-refresh", licenseHandler.ForceRefresh)
				r.Get("/machine-id", licenseHandler.MachineID)
				r.Get("/banner", licenseHandler.Banner)
				r.Get("/history", licenseHandler.History)

				if deps.Stream != nil {
					r.Get("/stream", deps.Stream.ServeWS)
				}

				r.With(apimiddleware.RequireAdmin).Post("/activate", licenseHandler.Activate)
			})
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if deps.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()

			if err := deps.DB.Ping(ctx); err != nil {
				log.Error().Err(err).Msg("Health check failed")
				handlers.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		handlers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.MetricsManager != nil {
		r.Get("/metrics", handlers.NewMetricsHandler(deps.MetricsManager).ServeMetrics)
	}

	if deps.Swagger != nil {
		deps.Swagger.RegisterRoutes(r)
	}

	return r
}
