package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
)

const readHeaderTimeout = 5 * time.Second

// panelAPI serves the panel as JSON and HTML.
type panelAPI struct {
	panel          *Panel
	allowedOrigins []string
	logger         loggingpkg.ServiceLogger
}

func (a *panelAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/api/buses", a.handleGetBuses)
	mux.HandleFunc("/panel", a.handleGetPanel)
}

func (a *panelAPI) handleGetBuses(w http.ResponseWriter, r *http.Request) {
	if a.preflight(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, a.panel.Buses()); err != nil {
		a.logger.Error("Failed to encode panel", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (a *panelAPI) handleGetPanel(w http.ResponseWriter, r *http.Request) {
	if a.preflight(w, r) {
		return
	}
	body, err := a.panel.Render()
	if err != nil {
		a.logger.Error("Failed to render panel", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>%s</title></head><body>%s</body></html>", a.panel.Tab(), body)
}

// preflight sets the CORS headers and reports whether the request was an
// OPTIONS preflight that is already answered.
func (a *panelAPI) preflight(w http.ResponseWriter, r *http.Request) bool {
	if origin := allowedCORSOrigin(a.allowedOrigins, r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for a
// request origin, or "" when the origin is not allowed.
func allowedCORSOrigin(allowed []string, requestOrigin string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(a, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

// httpServers groups handlers by port and runs one server per port.
type httpServers struct {
	logger loggingpkg.ServiceLogger

	mu      sync.Mutex
	muxes   map[int]*http.ServeMux
	servers []*http.Server
}

func newHTTPServers(logger loggingpkg.ServiceLogger) *httpServers {
	return &httpServers{logger: logger, muxes: make(map[int]*http.ServeMux)}
}

// mux returns the mux of port, creating it on first use.
func (h *httpServers) mux(port int) *http.ServeMux {
	h.mu.Lock()
	defer h.mu.Unlock()
	mux, ok := h.muxes[port]
	if !ok {
		mux = http.NewServeMux()
		h.muxes[port] = mux
	}
	return mux
}

// Start binds every port and serves in the background. Binding errors are
// returned; serving errors are logged.
func (h *httpServers) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ports := make([]int, 0, len(h.muxes))
	for port := range h.muxes {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	for _, port := range ports {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("busflow: listening on %s: %w", addr, err)
		}
		srv := &http.Server{Handler: h.muxes[port], ReadHeaderTimeout: readHeaderTimeout}
		h.servers = append(h.servers, srv)
		h.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": ln.Addr().String()})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	return nil
}

// Shutdown stops every running server.
func (h *httpServers) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	servers := h.servers
	h.servers = nil
	h.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
