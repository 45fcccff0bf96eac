package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// health is the body of the health endpoint.
type health struct {
	Node           string   `json:"node"`
	Identifier     string   `json:"identifier"`
	Workers        int      `json:"workers"`
	SecureChannels int      `json:"secure_channels"`
	Listeners      []string `json:"listeners"`
}

// MonitorHandler serves the node's metrics and health endpoints at the
// configured paths.
func (m *Manager) MonitorHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(m.cfg.Monitor.MetricsPath, m.metrics.Handler())
	mux.HandleFunc(m.cfg.Monitor.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		h := health{
			Node:           m.cfg.Node.Name,
			Identifier:     m.Identifier().String(),
			Workers:        len(m.node.Router().Addresses()),
			SecureChannels: m.channels.Len(),
			Listeners:      []string{},
		}
		for _, l := range m.tcp.Listeners() {
			h.Listeners = append(h.Listeners, l.SocketAddress())
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h)
	})
	return mux
}

// ServeMonitor runs the monitoring HTTP server until ctx is done.
func (m *Manager) ServeMonitor(ctx context.Context) error {
	srv := &http.Server{
		Addr:              m.cfg.Monitor.Address,
		Handler:           m.MonitorHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		m.logger.Info("monitor listening", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
