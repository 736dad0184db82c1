package errors

// Error type codes for the HTTP facade. Domain rejections carry their own
// snake_case codes and pass through as-is.
const (
	HttpInternalError        = "internal_error"
	HttpInvalidJsonError     = "invalid_json"
	HttpInvalidCommandError  = "invalid_command"
	HttpNotFoundError        = "not_found"
	HttpVersionConflictError = "version_conflict"
)

// ErrorResponse is the error response body for command and query errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
