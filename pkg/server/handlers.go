package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"stratus-hq/saturn/pkg/availability"
	"stratus-hq/saturn/pkg/gateway"
	"stratus-hq/saturn/pkg/ledger"
	"stratus-hq/saturn/pkg/ledger/export"
	"stratus-hq/saturn/pkg/limits"
	"stratus-hq/saturn/pkg/money"
	"stratus-hq/saturn/pkg/routing"
)

type errorResponse struct {
	Error      string    `json:"error"`
	Reason     string    `json:"reason,omitempty"`
	Window     string    `json:"window,omitempty"`
	RetryAfter time.Time `json:"retry_after,omitzero"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type admitRequest struct {
	KeyID    string `json:"key_id"`
	Type     string `json:"type"`
	Estimate string `json:"estimate,omitempty"`
}

type admitResponse struct {
	Token     string    `json:"token"`
	Estimate  string    `json:"estimate"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var body admitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.KeyID == "" {
		writeError(w, http.StatusBadRequest, "key_id required")
		return
	}

	var estimate money.Amount
	if body.Estimate != "" {
		parsed, err := money.Parse(body.Estimate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid estimate: "+err.Error())
			return
		}
		estimate = parsed
	}

	adm, err := s.gw.CanAdmit(r.Context(), &gateway.Request{
		KeyID:    body.KeyID,
		Type:     body.Type,
		Estimate: estimate,
	})
	if err != nil {
		s.writeAdmissionError(w, err)
		return
	}

	token := s.registry.Put(adm)
	writeJSON(w, http.StatusOK, admitResponse{
		Token:     token,
		Estimate:  adm.Estimate.String(),
		ExpiresAt: time.Now().Add(s.cfg.AdmissionTTL),
	})
}

func (s *Server) writeAdmissionError(w http.ResponseWriter, err error) {
	var qe *limits.QuotaExceededError
	if errors.As(err, &qe) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:      "quota exceeded",
			Reason:     qe.Error(),
			Window:     string(qe.Window),
			RetryAfter: qe.RetryAfter,
		})
		return
	}
	var ce *limits.ConcurrencyLimitError
	if errors.As(err, &ce) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:  "concurrency limit exceeded",
			Reason: ce.Error(),
		})
		return
	}
	switch {
	case errors.Is(err, gateway.ErrUnknownKey):
		writeError(w, http.StatusNotFound, "unknown api key")
	case errors.Is(err, gateway.ErrKeyDisabled):
		writeError(w, http.StatusForbidden, "api key disabled")
	default:
		s.logger.Error("admission failed", "error", err)
		writeError(w, http.StatusInternalServerError, "admission failed")
	}
}

type settleRequest struct {
	ProviderID       string `json:"provider_id,omitempty"`
	OK               bool   `json:"ok"`
	StatusCode       int    `json:"status_code,omitempty"`
	LatencyMS        int64  `json:"latency_ms,omitempty"`
	ErrorType        string `json:"error_type,omitempty"`
	Cost             string `json:"cost,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	adm, ok := s.registry.Take(token)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown or already settled token")
		return
	}

	var body settleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		// The admission is consumed; releasing beats leaking it.
		s.gw.Release(r.Context(), adm)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var cost money.Amount
	if body.Cost != "" {
		parsed, err := money.Parse(body.Cost)
		if err != nil {
			s.gw.Release(r.Context(), adm)
			writeError(w, http.StatusBadRequest, "invalid cost: "+err.Error())
			return
		}
		cost = parsed
	}

	out := &gateway.Outcome{
		Provider:         s.findProvider(body.ProviderID),
		OK:               body.OK,
		StatusCode:       body.StatusCode,
		LatencyMS:        body.LatencyMS,
		ErrorType:        body.ErrorType,
		Cost:             cost,
		PromptTokens:     body.PromptTokens,
		CompletionTokens: body.CompletionTokens,
	}
	record, err := s.gw.Settle(r.Context(), adm, out)
	if err != nil {
		s.logger.Error("settlement failed", "token", token, "error", err)
		writeError(w, http.StatusInternalServerError, "settlement failed")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	adm, ok := s.registry.Take(token)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown or already settled token")
		return
	}
	s.gw.Release(r.Context(), adm)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) findProvider(id string) *routing.Provider {
	if id == "" {
		return nil
	}
	for _, p := range s.source.Snapshot().Providers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	kind := limits.SubjectKind(chi.URLParam(r, "kind"))
	id := chi.URLParam(r, "id")
	switch kind {
	case limits.SubjectKey, limits.SubjectUser, limits.SubjectEndpoint:
	default:
		writeError(w, http.StatusBadRequest, "kind must be key, user, or endpoint")
		return
	}

	report, err := s.gw.Usage(r.Context(), limits.Subject{Kind: kind, ID: id})
	if err != nil {
		s.logger.Error("usage read failed", "kind", string(kind), "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "usage read failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := &availability.Query{
		Vendor:       q.Get("vendor"),
		ProviderType: q.Get("type"),
		Step:         time.Hour,
	}
	now := time.Now().UTC()
	query.From = now.Add(-24 * time.Hour)
	query.To = now

	var err error
	if v := q.Get("from"); v != "" {
		if query.From, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if query.To, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
			return
		}
	}
	if v := q.Get("step"); v != "" {
		if query.Step, err = time.ParseDuration(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid step: "+err.Error())
			return
		}
	}

	report, err := s.gw.Availability(r.Context(), query)
	if err != nil {
		var iqe *availability.InvalidQueryError
		if errors.As(err, &iqe) {
			writeError(w, http.StatusBadRequest, iqe.Error())
			return
		}
		s.logger.Error("availability query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "availability query failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.HealthStatus())
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.gw.Breakers(r.Context())
	if err != nil {
		s.logger.Error("breaker status read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "breaker status read failed")
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")
	ptype := chi.URLParam(r, "type")
	if err := s.gw.ResetBreaker(r.Context(), vendor, ptype); err != nil {
		s.logger.Error("breaker reset failed", "vendor", vendor, "type", ptype, "error", err)
		writeError(w, http.StatusInternalServerError, "breaker reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleLedgerList(w http.ResponseWriter, r *http.Request) {
	query, err := ledgerQueryFromURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.log.List(r.Context(), query)
	if err != nil {
		s.logger.Error("ledger list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ledger list failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLedgerExport(w http.ResponseWriter, r *http.Request) {
	query, err := ledgerQueryFromURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.log.List(r.Context(), query)
	if err != nil {
		s.logger.Error("ledger export failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ledger export failed")
		return
	}

	var exporter ledger.Exporter
	switch format := r.URL.Query().Get("format"); format {
	case "csv":
		exporter = export.NewCSVExporter(true)
		w.Header().Set("Content-Type", "text/csv")
	case "json", "":
		exporter = export.NewJSONExporter(false)
		w.Header().Set("Content-Type", "application/json")
	default:
		writeError(w, http.StatusBadRequest, "format must be json or csv")
		return
	}
	if err := exporter.Export(r.Context(), records, w); err != nil {
		s.logger.Error("ledger export write failed", "error", err)
	}
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if s.probe == nil {
		writeError(w, http.StatusNotImplemented, "no prober configured")
		return
	}
	providerID := chi.URLParam(r, "provider")
	record, err := s.gw.Probe(r.Context(), providerID, s.probe)
	if err != nil && record == nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	// A failed probe is still a useful result.
	writeJSON(w, http.StatusOK, record)
}

func ledgerQueryFromURL(r *http.Request) (*ledger.Query, error) {
	q := r.URL.Query()
	query := &ledger.Query{
		KeyID:        q.Get("key_id"),
		UserID:       q.Get("user_id"),
		VendorID:     q.Get("vendor"),
		EndpointID:   q.Get("endpoint"),
		ProviderType: q.Get("type"),
		SortOrder:    q.Get("sort"),
		Limit:        100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, errors.New("invalid limit")
		}
		query.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, errors.New("invalid offset")
		}
		query.Offset = n
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errors.New("invalid from timestamp")
		}
		query.StartTime = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errors.New("invalid to timestamp")
		}
		query.EndTime = &t
	}
	if v := q.Get("ok"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.New("invalid ok filter")
		}
		query.OK = &b
	}
	if v := q.Get("source"); v != "" {
		query.Source = ledger.Source(v)
	}
	return query, nil
}
