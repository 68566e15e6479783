package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

// NewServer assembles the mux and middleware chain into an http.Server.
func NewServer(cfg config.ServerConfig, h *Handler) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	var root http.Handler = mux
	if cfg.RateLimitRPS > 0 {
		root = NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware(root)
	}
	root = CORSMiddleware(cfg.AllowedOrigins, root)

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		// No blanket write timeout: uploads and the websocket stream outlive
		// any sane request deadline.
	}
}
