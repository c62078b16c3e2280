package binding_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"kbsync/features/binding"
)

type MockRemote struct{ mock.Mock }

func (m *MockRemote) CreateIndex(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}

func (m *MockRemote) IndexExists(ctx context.Context, indexID string) (bool, error) {
	args := m.Called(ctx, indexID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRemote) AttachDocument(ctx context.Context, indexID, handle string) error {
	return m.Called(ctx, indexID, handle).Error(0)
}

func (m *MockRemote) DeleteDocument(ctx context.Context, handle string) error {
	return m.Called(ctx, handle).Error(0)
}

func (m *MockRemote) CreateAssistant(ctx context.Context, name, model, instructions, indexID string) (string, error) {
	args := m.Called(ctx, name, model, instructions, indexID)
	return args.String(0), args.Error(1)
}

func (m *MockRemote) AssistantIndex(ctx context.Context, assistantID string) (string, bool, error) {
	args := m.Called(ctx, assistantID)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockRemote) UpdateAssistantIndex(ctx context.Context, assistantID, indexID string) error {
	return m.Called(ctx, assistantID, indexID).Error(0)
}

type MockRepo struct{ mock.Mock }

func (m *MockRepo) Get(ctx context.Context) (*binding.Binding, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*binding.Binding), args.Error(1)
}

func (m *MockRepo) Save(ctx context.Context, b binding.Binding) error {
	return m.Called(ctx, b).Error(0)
}
