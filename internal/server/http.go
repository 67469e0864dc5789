package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/cors"

	"github.com/justadeni/logically/internal/persistence/indexdb"
	"github.com/justadeni/logically/internal/world"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// Handler serves the admin API and the observer stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /players/{id}/chopping", s.handleGetChopping)
	mux.HandleFunc("PUT /players/{id}/chopping", s.handlePutChopping)
	mux.HandleFunc("GET /fellings", s.handleFellings)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.Handle("/observer/bootstrap", s.observer.BootstrapHandler())
	mux.Handle("/observer/ws", s.observer.WSHandler())

	c := cors.New(cors.Options{
		AllowedOrigins: s.config().HTTP.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "ok",
		"serverId":  s.config().Server.ID,
		"fellings":  len(s.felling.Active()),
		"entities":  s.entities.Len(),
		"observers": s.observer.Sessions(),
	})
}

type choppingState struct {
	Player  string `json:"player"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleGetChopping(w http.ResponseWriter, r *http.Request) {
	player := r.PathValue("id")
	writeJSON(w, choppingState{Player: player, Enabled: s.felling.Enabled(player)})
}

func (s *Server) handlePutChopping(w http.ResponseWriter, r *http.Request) {
	player := r.PathValue("id")
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Enabled == nil {
		http.Error(w, "enabled is required", http.StatusBadRequest)
		return
	}
	enabled := s.setChopping(r.Context(), player, *body.Enabled)
	writeJSON(w, choppingState{Player: player, Enabled: enabled})
}

func (s *Server) handleFellings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.felling.Active())
}

// handleHistory lists recent fellings, optionally for one player, or the
// fellings that touched a block when x, y and z are given.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		http.Error(w, "felling history is disabled", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()

	if q.Has("x") || q.Has("y") || q.Has("z") {
		var coord world.BlockCoord
		for _, p := range []struct {
			name string
			dst  *int
		}{{"x", &coord.X}, {"y", &coord.Y}, {"z", &coord.Z}} {
			v, err := strconv.Atoi(q.Get(p.name))
			if err != nil {
				http.Error(w, "invalid "+p.name+" parameter", http.StatusBadRequest)
				return
			}
			*p.dst = v
		}
		ids, err := s.index.ChangesAt(r.Context(), coord)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, map[string]any{"block": coord, "fellings": ids})
		return
	}

	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	records, err := s.index.RecentFellings(r.Context(), q.Get("player"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []indexdb.FellingRecord{}
	}
	writeJSON(w, records)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
