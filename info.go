package cipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/cipc/config"
)

func writeJSON(l *logrus.Logger, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	js := json.NewEncoder(w)
	if err := js.Encode(v); err != nil {
		l.WithError(err).Error("Failed to encode info response")
		http.Error(w, "json error: "+err.Error(), http.StatusInternalServerError)
	}
}

func handleRingList(l *logrus.Logger, ctrl *Control, w http.ResponseWriter, r *http.Request) {
	writeJSON(l, w, ctrl.Snapshot())
}

func handleRingLookup(l *logrus.Logger, ctrl *Control, w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "you must provide a ring name", http.StatusNotFound)
		return
	}

	st := ctrl.rs.Snapshot()
	for _, t := range st.Transfer {
		if t.ID.String() == name {
			writeJSON(l, w, t)
			return
		}
	}
	for _, c := range st.Completion {
		if c.ID.String() == name {
			writeJSON(l, w, c)
			return
		}
	}

	http.Error(w, fmt.Sprintf("Unknown ring: %s", name), http.StatusNotFound)
}

func setupInfoServer(l *logrus.Logger, ctrl *Control) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rings", func(w http.ResponseWriter, r *http.Request) { handleRingList(l, ctrl, w, r) })
	mux.HandleFunc("GET /rings/{name}", func(w http.ResponseWriter, r *http.Request) { handleRingLookup(l, ctrl, w, r) })
	return mux
}

// shouldAllowBinding only lets the info listener bind to loopback, it
// exposes device memory addresses.
func shouldAllowBinding(addr netip.Addr) error {
	if !addr.IsLoopback() {
		return fmt.Errorf("info.listen must be a loopback address, got %s", addr)
	}
	return nil
}

// startInfo stands up a REST API that serves the state of every ring to
// other services.
func startInfo(l *logrus.Logger, c *config.C, configTest bool, ctrl *Control) (func(), error) {
	listen := c.GetString("info.listen", "")
	if listen == "" {
		return nil, nil
	}

	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("info.listen was not understood: %w", err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("info.listen was not understood: %w", err)
	}
	if err := shouldAllowBinding(addr); err != nil {
		return nil, err
	}

	var startFn func()
	if configTest {
		return startFn, nil
	}

	startFn = func() {
		mux := setupInfoServer(l, ctrl)
		l.WithField("bind", listen).Info("Info listener starting")
		err := http.ListenAndServe(listen, mux)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		if err != nil {
			l.WithError(err).Error("Info listener failed")
		}
	}

	return startFn, nil
}
