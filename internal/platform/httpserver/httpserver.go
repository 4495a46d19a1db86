package httpserver

import (
	"net/http"
	"time"
)

// New builds the API server. The read timeout is generous because the import
// endpoints stream whole CSV files in the request body; the router applies
// its own per-request handler timeout on top.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       time.Minute,
		MaxHeaderBytes:    1 << 20,
	}
}
