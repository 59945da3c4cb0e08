package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockBytesCache struct {
	mock.Mock
}

func (m *MockBytesCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ret := m.Called(ctx, key)
	var b []byte
	if v := ret.Get(0); v != nil {
		b = v.([]byte)
	}
	return b, ret.Bool(1), ret.Error(2)
}

func (m *MockBytesCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ret := m.Called(ctx, key, value, ttl)
	return ret.Error(0)
}

func (m *MockBytesCache) Del(ctx context.Context, key string) error {
	ret := m.Called(ctx, key)
	return ret.Error(0)
}
