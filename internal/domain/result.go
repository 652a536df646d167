package domain

// FunctionErrorKind distinguishes a caught handler error ("Handled",
// reported by the runtime via POST .../error with that header value) from
// an "Unhandled" one: a POST .../error without a Handled header, or a
// result the dispatcher synthesizes because the runtime never responded.
type FunctionErrorKind string

const (
	FunctionErrorNone      FunctionErrorKind = ""
	FunctionErrorHandled   FunctionErrorKind = "Handled"
	FunctionErrorUnhandled FunctionErrorKind = "Unhandled"
)

// Result is the outcome of one invocation, delivered through the pending
// registry from the RuntimeAPI (or synthesized by the Dispatcher on
// timeout / runtime disconnect) back to the waiting caller.
type Result struct {
	OK               bool
	Payload          []byte
	FunctionError    FunctionErrorKind
	ExecutedVersion  string
	LogTailB64       string
}
