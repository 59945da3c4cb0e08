package mocks

import (
	"context"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockStatusStore struct {
	mock.Mock
}

func (m *MockStatusStore) GetShipment(ctx context.Context, id models.ShipmentID) (*models.Shipment, error) {
	ret := m.Called(ctx, id)
	var sh *models.Shipment
	if v := ret.Get(0); v != nil {
		sh = v.(*models.Shipment)
	}
	return sh, ret.Error(1)
}

func (m *MockStatusStore) UpdateStatus(ctx context.Context, id models.ShipmentID, status, agentName, reason string) (*models.Shipment, error) {
	ret := m.Called(ctx, id, status, agentName, reason)
	var sh *models.Shipment
	if v := ret.Get(0); v != nil {
		sh = v.(*models.Shipment)
	}
	return sh, ret.Error(1)
}

func (m *MockStatusStore) ListInTransit(ctx context.Context, agentName string) ([]*models.Shipment, error) {
	ret := m.Called(ctx, agentName)
	var list []*models.Shipment
	if v := ret.Get(0); v != nil {
		list = v.([]*models.Shipment)
	}
	return list, ret.Error(1)
}
