package httpserver

import (
	"net/http"
	"time"

	"bankfisc/internal/platform/config"
)

// writeSlack lets the timeout middleware write its 503 before the
// connection-level write deadline cuts the response.
const writeSlack = 5 * time.Second

// New builds the HTTP server for the ledger and monitoring API.
func New(cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + writeSlack,
		IdleTimeout:       60 * time.Second,
	}
}
