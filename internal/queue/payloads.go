package queue

// ExecuteCapabilityPayload is the job payload on the execute-capability
// queue.
type ExecuteCapabilityPayload struct {
	ExecutionID string `json:"execution_id"`
}

// RunSessionPayload is the job payload on the run-session queue.
type RunSessionPayload struct {
	SessionID string `json:"session_id"`
}
