// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const LicenseStatusHeader = "X-License-Status"

// LicenseValidator reports the cached license validity without blocking.
type LicenseValidator interface {
	IsLicenseValid() bool
}

// exempt paths never carry the header
var licenseHeaderExempt = []string{
	"/api/license",
	"/api/auth/login",
	"/api/auth/setup",
	"/health",
}

// LicenseStatus tags responses with X-License-Status VALID or INVALID from the
// last known status. It never triggers a check and never rejects a request.
func LicenseStatus(validator LicenseValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isLicenseHeaderExempt(routePath(r)) {
				value := "INVALID"
				if validator.IsLicenseValid() {
					value = "VALID"
				}
				w.Header().Set(LicenseStatusHeader, value)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// routePath is the path relative to the router's mount point, so a baseUrl
// prefix does not hide exempt routes.
func routePath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePath != "" {
		return rctx.RoutePath
	}
	return r.URL.Path
}

func isLicenseHeaderExempt(path string) bool {
	for _, prefix := range licenseHeaderExempt {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
