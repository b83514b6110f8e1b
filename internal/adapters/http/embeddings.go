package httpadapter

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

type embedRequest struct {
	Field         string `json:"field"`
	UseFullRecord *bool  `json:"useFullRecord"`
	ClearExisting bool   `json:"clearExisting"`
	BatchSize     int    `json:"batchSize"`
	SkipRows      *int   `json:"skipRows"`
	Async         bool   `json:"async"`
}

func (rt *Router) ingestRequest(body embedRequest) domain.IngestRequest {
	req := domain.IngestRequest{
		Field:         strings.TrimSpace(body.Field),
		UseFullRecord: body.UseFullRecord == nil || *body.UseFullRecord,
		BatchSize:     body.BatchSize,
		SkipRows:      rt.cfg.IngestSkipRows,
		ClearExisting: body.ClearExisting,
	}
	if req.BatchSize == 0 {
		req.BatchSize = rt.cfg.IngestBatchSize
	}
	if body.SkipRows != nil {
		req.SkipRows = *body.SkipRows
	}
	return req
}

func (rt *Router) embed(w http.ResponseWriter, r *http.Request) {
	var body embedRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	req := rt.ingestRequest(body)
	if _, err := req.Normalize(); err != nil {
		rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "embed", err))
		return
	}

	if body.Async {
		rt.enqueueIngest(w, r, req)
		return
	}

	result, err := rt.svc.Ingestor.Ingest(r.Context(), req)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) enqueueIngest(w http.ResponseWriter, r *http.Request, req domain.IngestRequest) {
	if rt.svc.Queue == nil {
		rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "embed", errors.New("async ingestion requires NATS_URL")))
		return
	}
	req.RunID = uuid.NewString()
	if err := rt.svc.Queue.PublishIngestRequested(r.Context(), req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":   req.RunID,
		"message": "Ingestion queued",
	})
}

type querySimilarRequest struct {
	Query    string `json:"query"`
	NResults int    `json:"nResults"`
}

// queryResults uses the column-oriented layout of Chroma query responses,
// one inner slice per query.
type queryResults struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float64        `json:"distances"`
}

func newQueryResults(matches []domain.Match) queryResults {
	ids := make([]string, 0, len(matches))
	docs := make([]string, 0, len(matches))
	metas := make([]map[string]any, 0, len(matches))
	dists := make([]float64, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
		docs = append(docs, m.Text)
		metas = append(metas, m.Metadata.Plain())
		dists = append(dists, m.Distance)
	}
	return queryResults{
		IDs:       [][]string{ids},
		Documents: [][]string{docs},
		Metadatas: [][]map[string]any{metas},
		Distances: [][]float64{dists},
	}
}

func (rt *Router) querySimilar(w http.ResponseWriter, r *http.Request) {
	var body querySimilarRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}

	matches, err := rt.svc.Collection.QuerySimilar(r.Context(), body.Query, body.NResults)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": newQueryResults(matches),
		"count":   len(matches),
	})
}

func (rt *Router) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.svc.Collection.Stats(r.Context())
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (rt *Router) clear(w http.ResponseWriter, r *http.Request) {
	if err := rt.svc.Collection.Clear(r.Context()); err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Collection cleared successfully"})
}

func (rt *Router) getIngestion(w http.ResponseWriter, r *http.Request) {
	if rt.svc.Runs == nil {
		rt.writeError(w, r, domain.WrapError(domain.ErrNotFound, "get ingestion", errors.New("run ledger is not configured")))
		return
	}
	run, err := rt.svc.Runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
