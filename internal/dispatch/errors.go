package dispatch

// Kind is the machine-readable error class surfaced to clients in
// error_msg events.
type Kind string

const (
	KindUnauthenticated  Kind = "unauthenticated"
	KindInvalidArgument  Kind = "invalid_argument"
	KindTooLarge         Kind = "too_large"
	KindRateLimited      Kind = "rate_limited"
	KindUsernameTaken    Kind = "username_taken"
	KindInvalidOrExpired Kind = "invalid_or_expired"
	KindKVUnavailable    Kind = "kv_unavailable"
)

// Error pairs an error class with a human-readable message. All handler
// failures cross the transport boundary as this type.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}
