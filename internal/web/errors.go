package web

// errors.go maps domain errors to HTTP responses. Every error is logged with
// its technical detail and returned to the client as a message, a suggested
// action and a stable code. Load failures also name the side they belong to.

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cleared-dev/tally/internal/importer"
	"github.com/cleared-dev/tally/internal/logging"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/normalize"
	"github.com/cleared-dev/tally/internal/reconcile"
	"github.com/cleared-dev/tally/internal/session"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeParseError         = "PARSE_ERROR"
	CodeMissingColumns     = "MISSING_COLUMNS"
	CodeEmptyInput         = "EMPTY_INPUT"
	CodeDuplicateReference = "DUPLICATE_REFERENCE"
	CodeNotReady           = "NOT_READY"
	CodeRunInProgress      = "RUN_IN_PROGRESS"
	CodeStaleResult        = "STALE_RESULT"
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeFileTooLarge       = "FILE_TOO_LARGE"
	CodeInternal           = "INTERNAL"
)

// ErrorResponse represents the JSON structure for API error responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	Side    string `json:"side,omitempty"`
}

var errNotFound = errors.New("not found")

// requestError is a client mistake in the request itself.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// userMessage is the client-facing view of an error.
type userMessage struct {
	Status  int
	Code    string
	Message string
	Action  string
	Side    string
}

// respondError logs err and writes the mapped JSON error.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	msg := mapError(err)

	side := msg.Side
	var se *session.SideError
	if errors.As(err, &se) {
		side = string(se.Side)
	}

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", msg.Status,
		"code", msg.Code,
		"error", err.Error(),
	}
	if msg.Status >= http.StatusInternalServerError {
		logger.Error("request error", attrs...)
	} else {
		logger.Warn("request error", attrs...)
	}

	detail := err.Error()
	if msg.Status >= http.StatusInternalServerError {
		detail = msg.Message
	}
	writeJSON(w, r, msg.Status, ErrorResponse{
		Error:   detail,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
		Side:    side,
	})
}

// mapError translates an error into a status, code and user message.
func mapError(err error) userMessage {
	var (
		maxBytes  *http.MaxBytesError
		parseErr  *importer.ParseError
		missing   *normalize.MissingColumnsError
		empty     *reconcile.EmptyInputError
		duplicate *reconcile.DuplicateReferenceError
		reqErr    *requestError
	)

	switch {
	case errors.As(err, &maxBytes):
		return userMessage{
			Status:  http.StatusRequestEntityTooLarge,
			Code:    CodeFileTooLarge,
			Message: fmt.Sprintf("The file is larger than the %d byte limit.", maxBytes.Limit),
			Action:  "Split the file or raise server.max_upload_bytes.",
		}
	case errors.As(err, &parseErr):
		return userMessage{
			Status:  http.StatusUnprocessableEntity,
			Code:    CodeParseError,
			Message: fmt.Sprintf("The file could not be read as CSV (line %d).", parseErr.Line),
			Action:  "Check the quoting, delimiter and encoding, then upload the file again.",
		}
	case errors.As(err, &missing):
		return userMessage{
			Status:  http.StatusUnprocessableEntity,
			Code:    CodeMissingColumns,
			Message: fmt.Sprintf("The file is missing required columns: %s.", strings.Join(missing.Columns, ", ")),
			Action:  "Add a transaction_reference header and upload the file again.",
		}
	case errors.As(err, &empty):
		return userMessage{
			Status:  http.StatusUnprocessableEntity,
			Code:    CodeEmptyInput,
			Message: emptyMessage(empty.Sides),
			Action:  "Upload files that contain rows with a transaction reference.",
			Side:    joinSides(empty.Sides, ","),
		}
	case errors.As(err, &duplicate):
		return userMessage{
			Status:  http.StatusUnprocessableEntity,
			Code:    CodeDuplicateReference,
			Message: fmt.Sprintf("The %s file repeats transaction references.", duplicate.Side),
			Action:  "Remove the duplicate rows or switch reconcile.duplicates to last_wins.",
			Side:    string(duplicate.Side),
		}
	case errors.Is(err, session.ErrNotReady):
		return userMessage{
			Status:  http.StatusConflict,
			Code:    CodeNotReady,
			Message: "Both files must be uploaded first.",
			Action:  "Upload an internal and a provider file.",
		}
	case errors.Is(err, session.ErrNoResult):
		return userMessage{
			Status:  http.StatusConflict,
			Code:    CodeNotReady,
			Message: "No reconciliation result is available.",
			Action:  "Run a reconciliation first.",
		}
	case errors.Is(err, session.ErrRunInProgress):
		return userMessage{
			Status:  http.StatusConflict,
			Code:    CodeRunInProgress,
			Message: "A reconciliation is already running.",
			Action:  "Wait for it to finish.",
		}
	case errors.Is(err, session.ErrStale):
		return userMessage{
			Status:  http.StatusConflict,
			Code:    CodeStaleResult,
			Message: "A file changed while the reconciliation was running.",
			Action:  "Run the reconciliation again.",
		}
	case errors.Is(err, session.ErrNotFound), errors.Is(err, errNotFound):
		return userMessage{
			Status:  http.StatusNotFound,
			Code:    CodeNotFound,
			Message: "The requested resource does not exist.",
			Action:  "Start a new session.",
		}
	case errors.As(err, &reqErr):
		return userMessage{
			Status:  http.StatusBadRequest,
			Code:    CodeBadRequest,
			Message: reqErr.msg,
		}
	}
	return userMessage{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: "Something went wrong.",
		Action:  "Try again.",
	}
}

func emptyMessage(sides []model.Side) string {
	if len(sides) > 1 {
		return fmt.Sprintf("The %s files have no records to reconcile.", joinSides(sides, " and "))
	}
	return fmt.Sprintf("The %s file has no records to reconcile.", joinSides(sides, ""))
}

func joinSides(sides []model.Side, sep string) string {
	names := make([]string, len(sides))
	for i, s := range sides {
		names[i] = string(s)
	}
	return strings.Join(names, sep)
}
