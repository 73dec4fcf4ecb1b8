package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrForbidden     ErrCode = "FORBIDDEN"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Session-specific ──────────────────────────────────────────────
	ErrSessionNotActive  ErrCode = "SESSION_NOT_ACTIVE"
	ErrInvalidLifecycle  ErrCode = "INVALID_LIFECYCLE"
	ErrEmptySelection    ErrCode = "EMPTY_SELECTION"
	ErrUnknownQuestion   ErrCode = "UNKNOWN_QUESTION"
	ErrIndexOutOfRange   ErrCode = "INDEX_OUT_OF_RANGE"
	ErrInvalidOption     ErrCode = "INVALID_OPTION"
	ErrIllegalTransition ErrCode = "ILLEGAL_TRANSITION"
	ErrForeignSession    ErrCode = "FOREIGN_SESSION"

	// ─── Upstream ──────────────────────────────────────────────────────
	ErrTransport ErrCode = "TRANSPORT_ERROR"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid."
	case ErrForbidden:
		return "You do not have permission to access this resource."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Request validation failed."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."
	case ErrConflict:
		return "Resource conflicts with the current state."

	// ─── Session-specific ──────────────────────────────────────────────
	case ErrSessionNotActive:
		return "No active session."
	case ErrInvalidLifecycle:
		return "Operation is not allowed at this stage of the session."
	case ErrEmptySelection:
		return "Select at least one option before confirming."
	case ErrUnknownQuestion:
		return "Question is not part of this session."
	case ErrIndexOutOfRange:
		return "Question index is out of range."
	case ErrInvalidOption:
		return "Option index is out of range."
	case ErrIllegalTransition:
		return "Question cannot move to that status."
	case ErrForeignSession:
		return "Session belongs to another user."

	// ─── Upstream ──────────────────────────────────────────────────────
	case ErrTransport:
		return "Grading service is unreachable. Please try again."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please slow down."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "An internal server error occurred."

	default:
		return "An unknown error occurred."
	}
}
