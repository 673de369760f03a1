// Package mocks provides test doubles for the gas client.
package mocks

import (
	"context"

	gas "github.com/sells-group/diagnosis-cli/pkg/gas"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Submit provides a mock function with given fields: ctx, req
func (_m *MockClient) Submit(ctx context.Context, req gas.SubmitRequest) (*gas.Response, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Submit")
	}

	var r0 *gas.Response
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, gas.SubmitRequest) (*gas.Response, error)); ok {
		return rf(ctx, req)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*gas.Response)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// Status provides a mock function with given fields: ctx, jobID
func (_m *MockClient) Status(ctx context.Context, jobID string) (*gas.Response, error) {
	ret := _m.Called(ctx, jobID)

	if len(ret) == 0 {
		panic("no return value specified for Status")
	}

	var r0 *gas.Response
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (*gas.Response, error)); ok {
		return rf(ctx, jobID)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*gas.Response)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// Record provides a mock function with given fields: ctx, rec
func (_m *MockClient) Record(ctx context.Context, rec gas.Record) error {
	ret := _m.Called(ctx, rec)

	if len(ret) == 0 {
		panic("no return value specified for Record")
	}

	if rf, ok := ret.Get(0).(func(context.Context, gas.Record) error); ok {
		return rf(ctx, rec)
	}
	return ret.Error(0)
}

// NewMockClient creates a new instance of MockClient.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
