package errors

// Code represents an error code
type Code string

const (
	CodeUnknown       Code = "UNKNOWN"        // Unknown error occurred
	CodeInternalError Code = "INTERNAL_ERROR" // Internal system error
	CodeIoError       Code = "IO_ERROR"       // Input/output operation failed
	CodeNotFound      Code = "NOT_FOUND"      // Resource not found
	CodeAlreadyExists Code = "ALREADY_EXISTS" // Resource already exists
	CodeInvalidState  Code = "INVALID_STATE"  // Invalid state

	// Caller errors
	CodeWorkflowUnknown Code = "WORKFLOW_UNKNOWN" // Workflow key not registered
	CodeFormInvalid     Code = "FORM_INVALID"     // Form input validation failed
	CodeBadStatus       Code = "BAD_STATUS"       // Process status forbids the operation
	CodeTokenMismatch   Code = "TOKEN_MISMATCH"   // Callback token does not match
	CodeNotATask        Code = "NOT_A_TASK"       // Operation is limited to task processes
	CodeRangeInvalid    Code = "RANGE_INVALID"    // List range parameter invalid
	CodeFilterInvalid   Code = "FILTER_INVALID"   // List filter parameter invalid

	// Authorization
	CodeForbidden Code = "FORBIDDEN" // Caller not authorized

	// Engine state
	CodeEngineLocked        Code = "ENGINE_LOCKED"          // Global engine lock is set
	CodeResumeAllInProgress Code = "RESUME_ALL_IN_PROGRESS" // Resume-all coordinator already running
	CodeWorkflowGone        Code = "WORKFLOW_GONE"          // Workflow was removed from the registry
	CodeWorkflowConflict    Code = "WORKFLOW_CONFLICT"      // Workflow changed since the process started

	// Infrastructure
	CodeDatabaseError     Code = "DATABASE_ERROR"     // Store operation failed
	CodeBrokerUnavailable Code = "BROKER_UNAVAILABLE" // Queue broker unreachable
	CodeLockBackendError  Code = "LOCK_BACKEND_ERROR" // Distributed lock backend failed
)
