package errors

// ErrorResponse is the error body exchanged with remote invoice plugins
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Display       string         `json:"message"`
	InternalError string         `json:"internal_error,omitempty"`
	Code          string         `json:"code,omitempty"`
	Retryable     bool           `json:"retryable,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}
