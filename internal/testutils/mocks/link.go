// Package mocks provides testify mocks of the link-layer interfaces.
package mocks

import (
	"context"

	"github.com/srg/blecentral/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockLink is a testify mock of device.Link. SetEventSink is recorded
// without expectations; the sink is available through Sink.
type MockLink struct {
	mock.Mock
	sink device.EventSink
}

var _ device.Link = (*MockLink)(nil)

func (m *MockLink) StartScan(ctx context.Context, params device.ScanParams, handler func(device.AdvertisementReport)) error {
	args := m.Called(ctx, params, handler)
	return args.Error(0)
}

func (m *MockLink) OpenLink(ctx context.Context, peer device.PeerAddress, params device.ConnParams) (device.ConnectionHandle, error) {
	args := m.Called(ctx, peer, params)
	return args.Get(0).(device.ConnectionHandle), args.Error(1)
}

func (m *MockLink) CloseLink(handle device.ConnectionHandle, reason device.DisconnectReason) error {
	args := m.Called(handle, reason)
	return args.Error(0)
}

func (m *MockLink) DiscoverServices(ctx context.Context, handle device.ConnectionHandle) ([]device.RawService, error) {
	args := m.Called(ctx, handle)
	if v := args.Get(0); v != nil {
		return v.([]device.RawService), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLink) DiscoverCharacteristics(ctx context.Context, handle device.ConnectionHandle, svc device.RawService) ([]device.RawCharacteristic, error) {
	args := m.Called(ctx, handle, svc)
	if v := args.Get(0); v != nil {
		return v.([]device.RawCharacteristic), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLink) DiscoverDescriptors(ctx context.Context, handle device.ConnectionHandle, chr device.RawCharacteristic) ([]device.RawDescriptor, error) {
	args := m.Called(ctx, handle, chr)
	if v := args.Get(0); v != nil {
		return v.([]device.RawDescriptor), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLink) WriteDescriptor(ctx context.Context, handle device.ConnectionHandle, desc device.AttributeHandle, value []byte) error {
	args := m.Called(ctx, handle, desc, value)
	return args.Error(0)
}

func (m *MockLink) ReadCharacteristic(ctx context.Context, handle device.ConnectionHandle, valueHandle device.AttributeHandle) ([]byte, error) {
	args := m.Called(ctx, handle, valueHandle)
	if v := args.Get(0); v != nil {
		return v.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLink) UpdateParams(handle device.ConnectionHandle, params device.ConnParams) error {
	args := m.Called(handle, params)
	return args.Error(0)
}

func (m *MockLink) SetEventSink(sink device.EventSink) {
	m.sink = sink
}

// Sink returns the registered event sink.
func (m *MockLink) Sink() device.EventSink {
	return m.sink
}
