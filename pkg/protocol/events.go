package protocol

// WebSocket event names pushed from the gateway server to event-stream
// clients.
const (
	EventTrikLoaded   = "trik.loaded"
	EventTrikUnloaded = "trik.unloaded"

	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"

	EventClarificationRequested = "clarification.requested"

	EventContentCreated   = "content.created"
	EventContentDelivered = "content.delivered"
	EventContentExpired   = "content.expired"

	EventSessionStarted = "session.started"
	EventSessionEnded   = "session.ended"
	EventSessionExpired = "session.expired"

	EventWorkerSpawned = "worker.spawned"
	EventWorkerExited  = "worker.exited"

	EventShutdown = "shutdown"
)

// Execution event outcomes (in payload.outcome)
const (
	OutcomeTemplate      = "template"
	OutcomePassthrough   = "passthrough"
	OutcomeClarification = "clarification"
	OutcomeError         = "error"
)
