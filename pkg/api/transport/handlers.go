package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/process"
	"github.com/stepflow-io/stepflow/pkg/domain/signal"
)

// requestUser identifies the caller. Authentication is an external
// collaborator; the engine only consumes the resulting identity.
func requestUser(r *http.Request) string {
	return r.Header.Get("X-User")
}

func processID(w http.ResponseWriter, r *http.Request, s *Server) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errors.New(errors.CodeNotFound, "transport", "invalid process id", err))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "workflowKey")

	var inputs []signal.State
	if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
		s.writeError(w, errors.New(errors.CodeFormInvalid, "transport", "body must be a list of form inputs", err))
		return
	}

	id, err := s.engine.StartProcess(r.Context(), key, inputs, requestUser(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := processID(w, r, s)
	if !ok {
		return
	}

	inputs := signal.State{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
			s.writeError(w, errors.New(errors.CodeFormInvalid, "transport", "body must be a form input object", err))
			return
		}
	}

	if err := s.engine.ResumeProcess(r.Context(), id, inputs, requestUser(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	id, ok := processID(w, r, s)
	if !ok {
		return
	}
	token := chi.URLParam(r, "token")

	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, errors.New(errors.CodeFormInvalid, "transport", "body must be valid JSON", err))
		return
	}

	if err := s.engine.ContinueAwaitingProcess(r.Context(), id, token, payload); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCallbackProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := processID(w, r, s)
	if !ok {
		return
	}
	token := chi.URLParam(r, "token")

	var data any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		s.writeError(w, errors.New(errors.CodeFormInvalid, "transport", "body must be valid JSON", err))
		return
	}

	if err := s.engine.UpdateAwaitingProcessProgress(r.Context(), id, token, data); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id, ok := processID(w, r, s)
	if !ok {
		return
	}
	if err := s.engine.AbortProcess(r.Context(), id, requestUser(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := processID(w, r, s)
	if !ok {
		return
	}
	if err := s.engine.DeleteProcess(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResumeAll re-arms every blocked task under the cluster-wide lock.
func (s *Server) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.Store().ListProcesses(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	var ids []uuid.UUID
	for _, row := range rows {
		if !row.IsTask {
			continue
		}
		switch row.LastStatus {
		case process.StatusFailed, process.StatusWaiting,
			process.StatusAPIUnavailable, process.StatusInconsistentData:
			ids = append(ids, row.ID)
		}
	}

	count, err := s.engine.ResumeAllProcesses(r.Context(), ids, requestUser(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := processID(w, r, s)
	if !ok {
		return
	}
	p, err := s.engine.Store().GetProcess(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := processID(w, r, s)
	if !ok {
		return
	}
	if _, err := s.engine.Store().GetProcess(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	steps, err := s.engine.Store().StepsForProcess(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleStatusCounts(w http.ResponseWriter, r *http.Request) {
	workflows, tasks, err := s.engine.Store().StatusCounts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"process_counts": workflows,
		"task_counts":    tasks,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GlobalLock bool `json:"global_lock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, errors.New(errors.CodeFormInvalid, "transport", "body must carry global_lock", err))
		return
	}

	status, err := s.engine.SetGlobalLock(r.Context(), body.GlobalLock)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"global_status": status.GlobalStatus})
}
