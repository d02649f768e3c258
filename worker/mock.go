package worker

import (
	"context"
	"encoding/json"
	"sync"

	"gridmesh/protocol"
)

// MockExecutor is a mock implementation of Executor for testing
type MockExecutor struct {
	Mu sync.Mutex

	// Error injection
	InitError    error
	ProcessError error
	ReleaseError error

	// Canned output; when nil, Process echoes its input.
	ProcessOutput json.RawMessage

	// Call tracking
	InitCalled    int
	ProcessCalled int
	ReleaseCalled int

	// Capture parameters
	LastModel    string
	LastStrategy string
	LastShard    protocol.ShardSpec
	LastInput    json.RawMessage
	LastReleased string
}

var _ Executor = (*MockExecutor)(nil)

func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

func (m *MockExecutor) InitModel(ctx context.Context, model, strategy string, shard protocol.ShardSpec) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.InitCalled++
	m.LastModel = model
	m.LastStrategy = strategy
	m.LastShard = shard
	return m.InitError
}

func (m *MockExecutor) Process(ctx context.Context, shard protocol.ShardSpec, input json.RawMessage) (json.RawMessage, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ProcessCalled++
	m.LastShard = shard
	m.LastInput = input
	if m.ProcessError != nil {
		return nil, m.ProcessError
	}
	if m.ProcessOutput != nil {
		return m.ProcessOutput, nil
	}
	return input, nil
}

func (m *MockExecutor) ReleaseModel(ctx context.Context, jobID string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ReleaseCalled++
	m.LastReleased = jobID
	return m.ReleaseError
}
