package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

// MockMessenger mocks transport.Messenger with testify expectations.
type MockMessenger struct {
	mock.Mock
}

func (m *MockMessenger) SendToTab(ctx context.Context, tabID int, msg models.Message) (*models.Response, error) {
	args := m.Called(ctx, tabID, msg)
	resp, _ := args.Get(0).(*models.Response)
	return resp, args.Error(1)
}

func (m *MockMessenger) Broadcast(ctx context.Context, filter models.TabFilter, msg models.Message) (int, error) {
	args := m.Called(ctx, filter, msg)
	return args.Int(0), args.Error(1)
}

// MessageOfType matches a models.Message argument by type.
func MessageOfType(t models.MessageType) any {
	return mock.MatchedBy(func(msg models.Message) bool { return msg.Type == t })
}

// AssertMockExpectations verifies all mock expectations.
func AssertMockExpectations(t mock.TestingT, mocks ...any) {
	for _, m := range mocks {
		if mockObj, ok := m.(interface{ AssertExpectations(mock.TestingT) bool }); ok {
			mockObj.AssertExpectations(t)
		}
	}
}
