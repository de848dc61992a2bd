package signal

// Well-known state keys. These form the ABI between step bodies and the
// runtime; keys with the double-underscore prefix are instructions to the
// step logger and are stripped before persistence.
const (
	// KeyStepNameOverride renames the persisted step row.
	KeyStepNameOverride = "__step_name_override"

	// KeyReplaceLastState forces an in-place overwrite of the previous step
	// row regardless of identity.
	KeyReplaceLastState = "__replace_last_state"

	// KeyRemoveKeys lists state keys to drop after the row is processed.
	KeyRemoveKeys = "__remove_keys"

	// KeyCallbackResultKey names the state key the callback payload is
	// written under; defaults to DefaultCallbackResultKey.
	KeyCallbackResultKey = "__callback_result_key"

	// KeyCallbackToken holds the opaque token an external caller must
	// present to continue an awaiting process.
	KeyCallbackToken = "__callback_token"

	// KeyCallbackProgress holds transient progress data pushed by the
	// external system while a process awaits its callback.
	KeyCallbackProgress = "callback_progress"

	// DefaultCallbackResultKey is where callback payloads land unless the
	// step chose another key.
	DefaultCallbackResultKey = "callback_result"

	// KeySubscriptionID links the process to a subscription when present.
	KeySubscriptionID = "subscription_id"

	// Error-state layout.
	KeyError        = "error"
	KeyErrorClass   = "class"
	KeyErrorDetails = "details"
	KeyTraceback    = "traceback"
	KeyStatusCode   = "status_code"

	// Retry bookkeeping written by the step logger on compacted rows.
	KeyRetries    = "retries"
	KeyExecutedAt = "executed_at"
)

// Error classes with special aggregate-status promotion.
const (
	ClassAssertion        = "AssertionError"
	ClassInconsistentData = "InconsistentData"
	ClassMaxRetries       = "MaxRetryError"
	ClassAPIException     = "ApiException"
)
