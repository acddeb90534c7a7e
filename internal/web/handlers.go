package web

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cleared-dev/tally/internal/export"
	"github.com/cleared-dev/tally/internal/logging"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/normalize"
	"github.com/cleared-dev/tally/internal/session"
)

// uploadFormField is the multipart field carrying the CSV file.
const uploadFormField = "file"

type sessionResponse struct {
	ID         string           `json:"id"`
	Internal   *uploadResponse  `json:"internal"`
	Provider   *uploadResponse  `json:"provider"`
	Processing bool             `json:"processing"`
	HasResult  bool             `json:"has_result"`
	Summary    *summaryResponse `json:"summary,omitempty"`
}

type uploadResponse struct {
	Side      string            `json:"side"`
	FileName  string            `json:"file_name"`
	Records   int               `json:"records"`
	Discarded int               `json:"discarded"`
	Columns   []string          `json:"columns,omitempty"`
	Warnings  []warningResponse `json:"warnings,omitempty"`
	Error     string            `json:"error,omitempty"`
	LoadedAt  time.Time         `json:"loaded_at"`
}

type warningResponse struct {
	Line    int    `json:"line"`
	Column  string `json:"column"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

type summaryResponse struct {
	TotalInternal    int    `json:"total_internal"`
	TotalProvider    int    `json:"total_provider"`
	Matched          int    `json:"matched"`
	InternalOnly     int    `json:"internal_only"`
	ProviderOnly     int    `json:"provider_only"`
	AmountMismatches int    `json:"amount_mismatches"`
	StatusMismatches int    `json:"status_mismatches"`
	MatchRate        string `json:"match_rate"`
}

type matchResponse struct {
	Reference        string `json:"transaction_reference"`
	InternalAmount   string `json:"internal_amount"`
	ProviderAmount   string `json:"provider_amount"`
	AmountDifference string `json:"amount_difference"`
	AmountMatch      bool   `json:"amount_match"`
	InternalStatus   string `json:"internal_status"`
	ProviderStatus   string `json:"provider_status"`
	StatusMatch      bool   `json:"status_match"`
}

type recordResponse struct {
	Reference string            `json:"transaction_reference"`
	Amount    string            `json:"amount"`
	Status    string            `json:"status"`
	Line      int               `json:"line"`
	Fields    map[string]string `json:"fields"`
}

type resultResponse struct {
	Summary          summaryResponse  `json:"summary"`
	Matched          []matchResponse  `json:"matched"`
	InternalOnly     []recordResponse `json:"internal_only"`
	ProviderOnly     []recordResponse `json:"provider_only"`
	AmountMismatches []matchResponse  `json:"amount_mismatches"`
	StatusMismatches []matchResponse  `json:"status_mismatches"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := struct {
		MaxUploadBytes int64
		Kinds          []export.Kind
	}{
		MaxUploadBytes: s.opts.MaxUploadBytes,
		Kinds:          export.Kinds,
	}

	var buf bytes.Buffer
	if err := s.index.Execute(&buf, data); err != nil {
		s.respondError(w, r, fmt.Errorf("rendering index: %w", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.store.Len(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.store.Create()
	logging.FromContext(r.Context()).Info("session created", "session", sess.ID)
	writeJSON(w, r, http.StatusCreated, toSessionResponse(sess.Snapshot()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toSessionResponse(sess.Snapshot()))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(chi.URLParam(r, "sessionID")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	side, ok := model.ParseSide(chi.URLParam(r, "side"))
	if !ok {
		s.respondError(w, r, badRequest("side must be %q or %q", model.SideInternal, model.SideProvider))
		return
	}

	if r.ContentLength > s.opts.MaxUploadBytes {
		s.respondError(w, r, &http.MaxBytesError{Limit: s.opts.MaxUploadBytes})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			s.respondError(w, r, err)
			return
		}
		s.respondError(w, r, badRequest("multipart field %q with a CSV file is required", uploadFormField))
		return
	}
	defer file.Close()

	logger := logging.WithFields(r.Context(), "session", sess.ID, "side", side)
	batch, err := sess.Load(side, header.Filename, file)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	logger.Debug("upload accepted", "file", header.Filename, "bytes", header.Size, "records", len(batch.Records))

	st := sess.Snapshot()
	up := st.Internal
	if side == model.SideProvider {
		up = st.Provider
	}
	writeJSON(w, r, http.StatusOK, toUploadResponse(side, up))
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := sess.Reconcile(s.engine)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	logging.WithFields(r.Context(), "session", sess.ID).Debug("reconcile served",
		"match_rate", res.Summary.MatchRate().StringFixed(2),
	)
	writeJSON(w, r, http.StatusOK, toResultResponse(res))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := sess.Result()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toResultResponse(res))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	kind, err := export.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.respondError(w, r, badRequest("%v", err))
		return
	}
	res, err := sess.Result()
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, kind, res, sess.Columns(model.SideInternal), sess.Columns(model.SideProvider)); err != nil {
		s.respondError(w, r, fmt.Errorf("writing %s export: %w", kind, err))
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(kind, s.now())))
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	sess.Reset()
	writeJSON(w, r, http.StatusOK, toSessionResponse(sess.Snapshot()))
}

func (s *Server) session(r *http.Request) (*session.Session, error) {
	return s.store.Get(chi.URLParam(r, "sessionID"))
}

func toSessionResponse(st session.State) sessionResponse {
	resp := sessionResponse{
		ID:         st.ID,
		Internal:   toUploadResponse(model.SideInternal, st.Internal),
		Provider:   toUploadResponse(model.SideProvider, st.Provider),
		Processing: st.Processing,
		HasResult:  st.Result != nil,
	}
	if st.Result != nil {
		sum := toSummaryResponse(st.Result.Summary)
		resp.Summary = &sum
	}
	return resp
}

func toUploadResponse(side model.Side, up *session.Upload) *uploadResponse {
	if up == nil {
		return nil
	}
	resp := &uploadResponse{
		Side:     string(side),
		FileName: up.FileName,
		LoadedAt: up.LoadedAt,
	}
	if up.Err != nil {
		resp.Error = mapError(up.Err).Message
		return resp
	}
	if b := up.Batch; b != nil {
		resp.Records = len(b.Records)
		resp.Discarded = b.Discarded
		resp.Columns = b.Columns
		resp.Warnings = toWarnings(b.Warnings)
	}
	return resp
}

func toWarnings(ws []normalize.Warning) []warningResponse {
	if len(ws) == 0 {
		return nil
	}
	out := make([]warningResponse, len(ws))
	for i, w := range ws {
		out[i] = warningResponse{Line: w.Line, Column: w.Column, Value: w.Value, Message: w.Message}
	}
	return out
}

func toSummaryResponse(sum model.Summary) summaryResponse {
	return summaryResponse{
		TotalInternal:    sum.TotalInternal,
		TotalProvider:    sum.TotalProvider,
		Matched:          sum.Matched,
		InternalOnly:     sum.InternalOnly,
		ProviderOnly:     sum.ProviderOnly,
		AmountMismatches: sum.AmountMismatches,
		StatusMismatches: sum.StatusMismatches,
		MatchRate:        sum.MatchRate().StringFixed(2),
	}
}

func toResultResponse(res model.Result) resultResponse {
	return resultResponse{
		Summary:          toSummaryResponse(res.Summary),
		Matched:          toMatches(res.Matched),
		InternalOnly:     toRecords(res.InternalOnly),
		ProviderOnly:     toRecords(res.ProviderOnly),
		AmountMismatches: toMatches(res.AmountMismatches),
		StatusMismatches: toMatches(res.StatusMismatches),
	}
}

func toMatches(ms []model.MatchResult) []matchResponse {
	out := make([]matchResponse, len(ms))
	for i, m := range ms {
		out[i] = matchResponse{
			Reference:        m.Reference,
			InternalAmount:   m.Internal.Amount.String(),
			ProviderAmount:   m.Provider.Amount.String(),
			AmountDifference: export.Difference(m),
			AmountMatch:      m.AmountMatch,
			InternalStatus:   m.Internal.Status.String(),
			ProviderStatus:   m.Provider.Status.String(),
			StatusMatch:      m.StatusMatch,
		}
	}
	return out
}

func toRecords(recs []model.Record) []recordResponse {
	out := make([]recordResponse, len(recs))
	for i, rec := range recs {
		out[i] = recordResponse{
			Reference: rec.Reference,
			Amount:    rec.Amount.String(),
			Status:    rec.Status.String(),
			Line:      rec.Line,
			Fields:    rec.Fields,
		}
	}
	return out
}
