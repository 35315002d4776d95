package model

// Error codes returned in the API error envelope.
const (
	ErrCodeValidation       = "validation_error"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeNotConnected     = "not_connected"
	ErrCodeNeedsReconnect   = "needs_reconnect"
	ErrCodeTransient        = "transient_error"
	ErrCodeInternal         = "internal_error"
	ErrCodeInvalidSignature = "invalid_signature"
)

// APIResponse is the standard success envelope: {success:true, data?}.
type APIResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// APIError is the standard error envelope: {success:false, error, details?}.
type APIError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
