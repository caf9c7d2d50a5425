package http

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows browser calls from the configured origins. "*" allows any.
func CORS(allowedOrigins []string, next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", appCheckHeader},
		MaxAge:         600,
	})
	return c.Handler(next)
}
