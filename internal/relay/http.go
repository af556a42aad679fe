package relay

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// Handler returns the relay's HTTP routes: the websocket endpoint at
// path, a JSON room summary at /rooms and a liveness probe at /healthz.
func (r *Relay) Handler(path string) http.Handler {
	if path == "" {
		path = "/ws"
	}
	router := mux.NewRouter()
	router.HandleFunc(path, r.ServeWS)
	router.HandleFunc("/rooms", r.serveRooms).Methods(http.MethodGet)
	router.HandleFunc("/healthz", r.serveHealth).Methods(http.MethodGet)
	return router
}

func (r *Relay) serveRooms(w http.ResponseWriter, req *http.Request) {
	infos, err := r.Rooms(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		r.logger.Debug("writing room summary", "error", err)
	}
}

func (r *Relay) serveHealth(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-r.done:
		http.Error(w, ErrStopped.Error(), http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}
}
