// Package ext defines the extension system for taskcrew.
//
// Extensions are notified of work unit lifecycle events and can react to
// them by recording metrics, publishing step events, writing audit logs,
// and so on. Each lifecycle hook is a separate interface so extensions opt
// in only to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnUnitCompleted(ctx context.Context, u *workunit.WorkUnit, elapsed time.Duration) error {
//	    log.Printf("unit %s completed in %s", u.ID, elapsed)
//	    return nil
//	}
//
// # Work Unit Lifecycle Hooks
//
//   - [UnitEnqueued]: unit was persisted and indexed
//   - [UnitStarted]: a pool worker began executing the unit
//   - [UnitCompleted]: the handler succeeded
//   - [UnitFailed]: the unit failed with no attempts remaining
//   - [UnitRetrying]: the unit failed but was requeued with backoff
//   - [UnitCancelled]: the unit was cancelled
//
// # Other Hooks
//
//   - [BackendHealthChanged]: the fast queue path went up or down
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never propagated.
package ext
