package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/dipcrawl/kit"
)

// maxRequestBody bounds a submission body.
const maxRequestBody = 4 << 20

// RegisterHTTP mounts the JSON API on r.
//
//	POST   /api/jobs                 submit
//	GET    /api/jobs/{id}            poll (?after_seq=)
//	DELETE /api/jobs/{id}            cancel
//	GET    /api/evidence/{id}        one evidence record
//	GET    /api/evidence             history (?url=&field=&limit=)
//	GET    /api/profiles             list (?limit=)
//	GET    /api/profiles/{domain}    inspect
//	GET    /health
func (c *Crawler) RegisterHTTP(r chi.Router) {
	r.Get("/health", c.httpHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", c.httpSubmit)
		r.Get("/jobs/{id}", c.httpPoll)
		r.Delete("/jobs/{id}", c.httpCancel)
		r.Get("/evidence", c.httpHistory)
		r.Get("/evidence/{id}", c.httpEvidence)
		r.Get("/profiles", c.httpProfiles)
		r.Get("/profiles/{domain}", c.httpProfile)
	})
}

func (c *Crawler) httpSubmit(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode: %w", err))
		return
	}
	ctx := kit.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
	id, err := c.Submit(ctx, req)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: id})
}

func (c *Crawler) httpPoll(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt64(r, "after_seq")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := c.Poll(r.Context(), chi.URLParam(r, "id"), after)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (c *Crawler) httpCancel(w http.ResponseWriter, r *http.Request) {
	if err := c.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (c *Crawler) httpEvidence(w http.ResponseWriter, r *http.Request) {
	rec, err := c.Evidence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (c *Crawler) httpHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("url") == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	recs, err := c.EvidenceHistory(r.Context(), q.Get("url"), q.Get("field"), queryInt(r, "limit", 0))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (c *Crawler) httpProfiles(w http.ResponseWriter, r *http.Request) {
	ps, err := c.Profiles(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (c *Crawler) httpProfile(w http.ResponseWriter, r *http.Request) {
	p, err := c.Profile(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (c *Crawler) httpHealth(w http.ResponseWriter, r *http.Request) {
	h, err := c.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeAPIError maps the crawler sentinels to status codes.
func writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func queryInt64(r *http.Request, key string) (int64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}
