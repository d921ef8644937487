package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionUnitEnqueued  = "unit.enqueued"
	ActionUnitStarted   = "unit.started"
	ActionUnitCompleted = "unit.completed"
	ActionUnitFailed    = "unit.failed"
	ActionUnitRetrying  = "unit.retrying"
	ActionUnitCancelled = "unit.cancelled"
	ActionBackendHealth = "backend.health_changed"
)

// Audit event categories group related actions.
const (
	CategoryUnit    = "taskcrew.unit"
	CategoryBackend = "taskcrew.backend"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceUnit    = "work_unit"
	ResourceBackend = "fast_backend"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionUnitEnqueued,
		ActionUnitStarted,
		ActionUnitCompleted,
		ActionUnitFailed,
		ActionUnitRetrying,
		ActionUnitCancelled,
		ActionBackendHealth,
	}
}
