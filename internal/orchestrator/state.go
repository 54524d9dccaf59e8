package orchestrator

// State is a stage of the submission pipeline.
type State string

const (
	StateIdle                State = "idle"
	StateValidating          State = "validating"
	StateQuotaCheck          State = "quota_check"
	StateConversationResolve State = "conversation_resolve"
	StateStreaming           State = "streaming"
	StatePersisting          State = "persisting"
	StateTitleGeneration     State = "title_generation"
)

// Busy reports whether a pipeline owns the orchestrator in this state.
func (s State) Busy() bool {
	return s != StateIdle
}
