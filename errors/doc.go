// Package errors classifies failures so adapters can decide between acknowledging, redelivering
// and stopping.
//
// Every failure falls in one of three classes:
//
//   - Transient: the store or broker was unreachable, throttled or timed out. Redelivery may succeed.
//   - Invalid: the input itself is wrong (undecodable image, no matching pose). Redelivery fails again.
//   - Fatal: the process cannot continue (bad configuration, corrupted state).
//
// Wrapping follows one format, "component.method: action failed: cause":
//
//	errors.WrapTransient(err, "LocationQueue", "Save", "put item")
//	errors.WrapInvalid(err, "Config", "Validate", "join window")
//	errors.WrapFatal(err, "SQLiteStore", "Open", "run migrations")
//
// Wrap keeps whatever classification the cause already had. Classification survives further
// wrapping with fmt.Errorf("%w") and works with the standard errors.Is and errors.As.
//
// RetryConfig gives store adapters a bounded retry budget for transient failures:
//
//	cfg := errors.DefaultRetryConfig()
//	err := cfg.Retry(ctx, func() error { return put(ctx, item) })
package errors
