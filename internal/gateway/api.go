package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentgraph/internal/store"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/internal/validation"
	"github.com/rendis/agentgraph/pkg/schema"
)

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Graphs ---

type graphResponse struct {
	*store.GraphRecord
	Validation *schema.ValidationResult `json:"validation"`
}

// handlePutGraph stores a graph document and returns its validation report.
// Defects do not block the save; the editor shows them.
func (g *Gateway) handlePutGraph(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string           `json:"name"`
		Kind  schema.GraphKind `json:"kind"`
		Graph *schema.Graph    `json:"graph"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Graph == nil {
		writeError(w, http.StatusBadRequest, "graph is required")
		return
	}
	if body.Kind == "" {
		body.Kind = schema.GraphKindWorkflow
	}
	if body.Kind != schema.GraphKindWorkflow && body.Kind != schema.GraphKindTeam {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown graph kind %q", body.Kind))
		return
	}

	rec := &store.GraphRecord{ID: r.PathValue("id"), Name: body.Name, Kind: body.Kind, Graph: body.Graph}
	if rec.Name == "" {
		rec.Name = rec.ID
	}
	result := g.validate(rec)
	if err := g.store.SaveGraph(r.Context(), rec); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graphResponse{GraphRecord: rec, Validation: result})
}

func (g *Gateway) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	rec, err := g.store.GetGraph(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graphResponse{GraphRecord: rec, Validation: g.validate(rec)})
}

func (g *Gateway) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	filter := store.GraphFilter{
		Kind:   schema.GraphKind(r.URL.Query().Get("kind")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	recs, err := g.store.ListGraphs(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"graphs": recs})
}

func (g *Gateway) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	if err := g.store.DeleteGraph(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) validate(rec *store.GraphRecord) *schema.ValidationResult {
	start := time.Now()
	var result *schema.ValidationResult
	if rec.Kind == schema.GraphKindTeam {
		result = validation.ValidateTeam(rec.Graph)
	} else {
		result = validation.Validate(rec.Graph)
	}
	g.metrics.RecordValidation(result.Valid(), time.Since(start))
	return result
}

// --- Executions ---

func (g *Gateway) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GraphID string `json:"graph_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}
	if body.GraphID != "" {
		if _, err := g.store.GetGraph(r.Context(), body.GraphID); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	exec := &store.Execution{ID: uuid.NewString(), GraphID: body.GraphID}
	if err := g.store.CreateExecution(r.Context(), exec); err != nil {
		writeStoreError(w, err)
		return
	}
	g.logger.Info("execution created", "execution_id", exec.ID, "graph_id", exec.GraphID)
	writeJSON(w, http.StatusCreated, exec)
}

func (g *Gateway) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	view, err := g.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handlePublish is the engine's push endpoint. The payload must decode as
// the named event type so malformed events never reach the log.
func (g *Gateway) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Type == streaming.FrameHeartbeat {
		writeError(w, http.StatusBadRequest, "heartbeat is reserved")
		return
	}
	ev, err := streaming.Decode(body.Type, 0, body.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Data) == 0 {
		body.Data = json.RawMessage("{}")
	}

	seq, err := g.publish(r.Context(), r.PathValue("id"), body.Type, body.Data, ev)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"seq": seq})
}

// --- helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps a store error code to an HTTP status.
func writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case schema.HasCode(err, schema.ErrCodeNotFound):
		status = http.StatusNotFound
	case schema.HasCode(err, schema.ErrCodeConflict):
		status = http.StatusConflict
	case schema.HasCode(err, schema.ErrCodeValidation), schema.HasCode(err, schema.ErrCodeInvalidParams):
		status = http.StatusBadRequest
	case schema.HasCode(err, schema.ErrCodeInvalidTransition):
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, err.Error())
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
