package ui

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/adamryczkowski/updateall/internal/history"
)

// HistoryAPI exposes run history over HTTP: GET /runs (summary view),
// GET /accuracy (estimator accuracy view), GET /search?q=... (free-text
// failure search). Router wiring follows the teacher's mux.Router-based
// webui (cmd/noisefs-webui/main.go registers one handler per REST path on
// a shared router) generalized from announcement CRUD endpoints to
// read-only history endpoints.
type HistoryAPI struct {
	store *history.Store
	index *history.SearchIndex
}

// NewHistoryAPI constructs a HistoryAPI; index may be nil if full-text
// search hasn't been configured.
func NewHistoryAPI(store *history.Store, index *history.SearchIndex) *HistoryAPI {
	return &HistoryAPI{store: store, index: index}
}

// Router returns a mux.Router with every history endpoint registered.
func (a *HistoryAPI) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/runs", a.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/accuracy", a.handleAccuracy).Methods(http.MethodGet)
	r.HandleFunc("/search", a.handleSearch).Methods(http.MethodGet)
	return r
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func sendJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func sendError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Error: err.Error()})
}

func (a *HistoryAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	rows, err := a.store.Summary(r.Context(), limit)
	if err != nil {
		sendError(w, err, http.StatusInternalServerError)
		return
	}
	sendJSON(w, rows)
}

func (a *HistoryAPI) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	rows, err := a.store.Accuracy(r.Context())
	if err != nil {
		sendError(w, err, http.StatusInternalServerError)
		return
	}
	sendJSON(w, rows)
}

func (a *HistoryAPI) handleSearch(w http.ResponseWriter, r *http.Request) {
	if a.index == nil {
		sendError(w, errNoSearchIndex, http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		sendError(w, errEmptyQuery, http.StatusBadRequest)
		return
	}
	results, err := a.index.Search(q, queryInt(r, "limit", 20))
	if err != nil {
		sendError(w, err, http.StatusInternalServerError)
		return
	}
	sendJSON(w, results)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

var (
	errNoSearchIndex = &apiError{"search index not configured"}
	errEmptyQuery    = &apiError{"q query parameter is required"}
)

type apiError struct{ msg string }

func (e *apiError) Error() string { return e.msg }
