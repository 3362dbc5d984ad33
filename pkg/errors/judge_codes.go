package errors

// Judge/sandbox error codes extending the 13100-199 "Judge" block with
// failure modes specific to the worker's own pipeline stages, as opposed
// to the web API's submission-lifecycle codes above.
const (
	SandboxFailure         ErrorCode = 13110
	DependencyGraphInvalid ErrorCode = 13111
	ComparatorFailure      ErrorCode = 13112
	TestdataSyncFailure    ErrorCode = 13113
)

func init() {
	errorMessages[SandboxFailure] = "Sandbox execution failed"
	errorMessages[DependencyGraphInvalid] = "Subtask dependency graph is invalid"
	errorMessages[ComparatorFailure] = "Comparator execution failed"
	errorMessages[TestdataSyncFailure] = "Testdata synchronization failed"
}
