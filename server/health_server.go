package server

import (
	"net/http"
)

// Responds 200 and an empty body iff the server is not in lameduck/loadshed
// mode, otherwise 503.
func (srv *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	srv.lock.Lock()
	lameduck, loadshed := srv.lameduck_state, srv.loadshed_state
	srv.lock.Unlock()

	switch {
	case lameduck:
		http.Error(w, "Lameduck mode", http.StatusServiceUnavailable)
	case loadshed:
		http.Error(w, "Loadshed mode", http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusOK)
	}
}
