// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/credentials"
)

// -- Target Adapter Mock --

// MockTargetAdapter mocks schemas.TargetAdapter.
type MockTargetAdapter struct {
	mock.Mock
	mu       sync.Mutex
	disposed int
}

func (m *MockTargetAdapter) Kind() schemas.TargetKind {
	args := m.Called()
	return args.Get(0).(schemas.TargetKind)
}

func (m *MockTargetAdapter) Describe() schemas.TargetDescriptor {
	args := m.Called()
	return args.Get(0).(schemas.TargetDescriptor)
}

func (m *MockTargetAdapter) Enumerate(ctx context.Context) ([]schemas.ElementDescriptor, error) {
	args := m.Called(ctx)
	elements, _ := args.Get(0).([]schemas.ElementDescriptor)
	return elements, args.Error(1)
}

func (m *MockTargetAdapter) Act(ctx context.Context, element schemas.ElementDescriptor, kind schemas.ActionKind, payload string) error {
	args := m.Called(ctx, element, kind, payload)
	return args.Error(0)
}

func (m *MockTargetAdapter) Snapshot(ctx context.Context) (*schemas.Snapshot, error) {
	args := m.Called(ctx)
	snap, _ := args.Get(0).(*schemas.Snapshot)
	return snap, args.Error(1)
}

// Dispose records the call count so tests can assert idempotent teardown without
// setting an expectation.
func (m *MockTargetAdapter) Dispose(ctx context.Context) error {
	m.mu.Lock()
	m.disposed++
	m.mu.Unlock()
	return nil
}

// DisposeCount returns how many times Dispose was called.
func (m *MockTargetAdapter) DisposeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// -- Credential Pool Mock --

// MockCredentialPool mocks the credential rotator as seen by the judge client.
type MockCredentialPool struct {
	mock.Mock
}

func (m *MockCredentialPool) Acquire() (*credentials.Credential, error) {
	args := m.Called()
	c, _ := args.Get(0).(*credentials.Credential)
	return c, args.Error(1)
}

func (m *MockCredentialPool) RecordSuccess(c *credentials.Credential) error {
	return m.Called(c).Error(0)
}

func (m *MockCredentialPool) RecordQuotaError(c *credentials.Credential) error {
	return m.Called(c).Error(0)
}
