package delivery

// Task is the unit of work handed from the ingestion gateway to a worker.
// It carries a subscription reference and payload only; the task identifier
// is generated by the engine when the work is executed, so a redelivered
// message starts a fresh attempt sequence.
type Task struct {
	SubscriptionID string            `json:"subscription_id"`
	Payload        map[string]any    `json:"payload"`
	EnqueuedAt     string            `json:"enqueued_at"` // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"`
}
