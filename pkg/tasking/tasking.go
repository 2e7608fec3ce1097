// Package tasking is an in-memory task manager. It batches what the agent
// owes the controller and hands out tasks the controller sends down.
package tasking

import (
	"sync"

	"go.uber.org/zap"

	"pipemesh/pkg/api"
)

const action = "get_tasking"

// Manager implements api.TaskSource and api.DelegateSink.
type Manager struct {
	mu          sync.Mutex
	responses   []api.TaskResponse
	delegates   []api.DelegateMessage
	socks       []api.SocksDatagram
	taskingSize int

	tasks chan api.Task
	// dropped counts tasks discarded because nobody drained Tasks.
	dropped int
}

// New returns a manager whose task channel buffers backlog tasks.
// taskingSize is reported in every batch; -1 asks for all pending tasks.
func New(backlog, taskingSize int) *Manager {
	if backlog <= 0 {
		backlog = 64
	}
	return &Manager{tasks: make(chan api.Task, backlog), taskingSize: taskingSize}
}

// Tasks delivers tasks in the order the controller sent them.
func (m *Manager) Tasks() <-chan api.Task { return m.tasks }

func (m *Manager) AddResponse(r api.TaskResponse) {
	m.mu.Lock()
	m.responses = append(m.responses, r)
	m.mu.Unlock()
}

func (m *Manager) AddDelegate(d api.DelegateMessage) {
	m.mu.Lock()
	m.delegates = append(m.delegates, d)
	m.mu.Unlock()
}

func (m *Manager) AddSocks(s api.SocksDatagram) {
	m.mu.Lock()
	m.socks = append(m.socks, s)
	m.mu.Unlock()
}

// TryGetNextOutboundBatch drains everything queued into one batch. It
// returns false when there is nothing to send.
func (m *Manager) TryGetNextOutboundBatch() (*api.TaskingMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &api.TaskingMessage{
		Action:      action,
		TaskingSize: m.taskingSize,
		Delegates:   m.delegates,
		Responses:   m.responses,
		Socks:       m.socks,
	}
	if b.Empty() {
		return nil, false
	}
	m.delegates, m.responses, m.socks = nil, nil, nil
	return b, true
}

// HandleInboundResponse publishes the tasks of resp. Delegates are routed by
// the profile before it gets here.
func (m *Manager) HandleInboundResponse(resp *api.MessageResponse) bool {
	if resp == nil {
		return false
	}
	for _, t := range resp.Tasks {
		select {
		case m.tasks <- t:
		default:
			m.mu.Lock()
			m.dropped++
			m.mu.Unlock()
			zap.L().Warn("task backlog full, dropping task", zap.String("task_id", t.ID), zap.String("command", t.Command))
		}
	}
	if len(resp.Responses) > 0 {
		zap.L().Debug("controller acknowledged responses", zap.Int("count", len(resp.Responses)))
	}
	return true
}

// Dropped returns the number of tasks lost to a full backlog.
func (m *Manager) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
