package api

// TaskSource is the task-management side of the agent. The transport pulls
// outbound batches from it and pushes inbound controller responses into it.
type TaskSource interface {
	// TryGetNextOutboundBatch returns the pending outbound batch, if any.
	TryGetNextOutboundBatch() (*TaskingMessage, bool)
	// HandleInboundResponse consumes one controller response.
	HandleInboundResponse(*MessageResponse) bool
}

// DelegateSink accepts messages that arrived from a peer and must travel
// upstream inside the next tasking batch.
type DelegateSink interface {
	AddDelegate(DelegateMessage)
}

// Router forwards a delegate one hop towards its target peer. It returns
// false when the target is unknown.
type Router interface {
	Route(DelegateMessage) bool
}
