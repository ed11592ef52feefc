package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/xvanov/collabcanvas-sub002/mq"
)

type MockMQ struct {
	mock.Mock
}

var _ mq.MessageQueue = (*MockMQ)(nil)

func (m *MockMQ) Send(ctx context.Context, body string) error {
	args := m.Called(ctx, body)
	return args.Error(0)
}

func (m *MockMQ) Receive(ctx context.Context, visibilityTimeout int32) (*mq.Message, error) {
	args := m.Called(ctx, visibilityTimeout)
	var msg *mq.Message
	if args.Get(0) != nil {
		msg = args.Get(0).(*mq.Message)
	}
	return msg, args.Error(1)
}

func (m *MockMQ) Delete(ctx context.Context, msg *mq.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
