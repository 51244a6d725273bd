package types

// ErrorCode classifies an error reported back to the producer.
type ErrorCode string

// Error codes.
const (
	ErrorCodeUnknown       ErrorCode = "unknown"
	ErrorCodeInvalid       ErrorCode = "invalid"
	ErrorCodeCommunication ErrorCode = "communication"
)

// ErrorInfo is an error delivered in a Result.
type ErrorInfo struct {
	Code    ErrorCode `msgpack:"code"`
	Message string    `msgpack:"message"`
}

func (e *ErrorInfo) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Result answers a Record sent with req_resp. A Result with no body is
// a plain acknowledgment.
type Result struct {
	RunResult  *RunResult  `msgpack:"run_result,omitempty"`
	ExitResult *ExitResult `msgpack:"exit_result,omitempty"`
}

// RunResult answers a Run record.
type RunResult struct {
	Run   *RunRecord `msgpack:"run,omitempty"`
	Error *ErrorInfo `msgpack:"error,omitempty"`
}

// ExitResult acknowledges an Exit record.
type ExitResult struct{}
