package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20099: Coordinator transport errors
// 20100-20199: Integrity errors
// 20200-20299: Submission pipeline errors
// 20300-20399: Match orchestration errors
// 20400-20499: Post spool errors
// 20500-20599: Bootstrap errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Timeout             ErrorCode = 10008

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300

	// ========== Coordinator Transport Errors (20000-20099) ==========

	TransportError ErrorCode = 20000
	BadResponse    ErrorCode = 20001
	PostExhausted  ErrorCode = 20002

	// ========== Integrity Errors (20100-20199) ==========

	IntegrityError ErrorCode = 20100

	// ========== Submission Pipeline Errors (20200-20299) ==========

	DownloadError ErrorCode = 20200
	UnpackError   ErrorCode = 20201
	CompileError  ErrorCode = 20202
	TestError     ErrorCode = 20203
	ConflictError ErrorCode = 20204
	ScratchError  ErrorCode = 20205
	Interrupted   ErrorCode = 20206

	// ========== Match Orchestration Errors (20300-20399) ==========

	OrchestrationError  ErrorCode = 20300
	ReferenceBotFailure ErrorCode = 20301
	MapUnavailable      ErrorCode = 20302
	EngineError         ErrorCode = 20303

	// ========== Post Spool Errors (20400-20499) ==========

	SpoolError ErrorCode = 20400

	// ========== Bootstrap Errors (20500-20599) ==========

	BootstrapFailed ErrorCode = 20500
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Timeout:             "Request timeout",

	// Validation
	ValidationFailed: "Validation failed",

	// Transport
	TransportError: "Coordinator request failed",
	BadResponse:    "Coordinator returned a malformed response",
	PostExhausted:  "Result post was not acknowledged after all attempts",

	// Integrity
	IntegrityError: "Digest mismatch",

	// Submission
	DownloadError: "Submission download failed",
	UnpackError:   "Submission unpack failed",
	CompileError:  "Submission compile failed",
	TestError:     "Submission functional test failed",
	ConflictError: "Artifact already exists",
	ScratchError:  "Scratch directory operation failed",
	Interrupted:   "Task interrupted",

	// Orchestration
	OrchestrationError:  "Match orchestration failed",
	ReferenceBotFailure: "Reference bot is not operational",
	MapUnavailable:      "Map could not be loaded",
	EngineError:         "Match engine failed",

	// Spool
	SpoolError: "Post spool operation failed",

	// Bootstrap
	BootstrapFailed: "Bootstrap download failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// IsSubmissionFailure reports whether the code is a terminal per-submission failure,
// the kind that is reported to the coordinator rather than aborting the worker.
func (c ErrorCode) IsSubmissionFailure() bool {
	switch c {
	case DownloadError, UnpackError, CompileError, TestError:
		return true
	default:
		return false
	}
}
