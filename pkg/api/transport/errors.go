package transport

import (
	"encoding/json"
	"net/http"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
)

// httpStatus maps error codes to HTTP statuses. The codes are the engine's
// contract; this table is the only place the wire mapping lives.
func httpStatus(code errors.Code) int {
	switch code {
	case errors.CodeNotFound, errors.CodeWorkflowUnknown, errors.CodeTokenMismatch:
		return http.StatusNotFound
	case errors.CodeForbidden:
		return http.StatusForbidden
	case errors.CodeFormInvalid, errors.CodeNotATask, errors.CodeRangeInvalid, errors.CodeFilterInvalid:
		return http.StatusBadRequest
	case errors.CodeBadStatus, errors.CodeWorkflowConflict, errors.CodeResumeAllInProgress:
		return http.StatusConflict
	case errors.CodeWorkflowGone:
		return http.StatusGone
	case errors.CodeEngineLocked, errors.CodeDatabaseError, errors.CodeBrokerUnavailable, errors.CodeLockBackendError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
