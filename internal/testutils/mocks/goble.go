package mocks

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	goble "github.com/srg/blecentral/internal/device/go-ble"
	"github.com/stretchr/testify/mock"
)

// MockCentral is a mock of goble.Central.
type MockCentral struct {
	mock.Mock
}

func (m *MockCentral) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	return args.Error(0)
}

func (m *MockCentral) Dial(ctx context.Context, a ble.Addr) (goble.Client, error) {
	args := m.Called(ctx, a)
	if c, ok := args.Get(0).(goble.Client); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCentral) Stop() error {
	args := m.Called()
	return args.Error(0)
}

// MockClient is a mock of goble.Client. Disconnected is driven by Drop
// instead of expectations.
type MockClient struct {
	mock.Mock

	once         sync.Once
	disconnected chan struct{}
}

// NewMockClient creates a connected MockClient.
func NewMockClient() *MockClient {
	return &MockClient{disconnected: make(chan struct{})}
}

// Drop simulates the stack reporting a disconnection.
func (m *MockClient) Drop() {
	m.once.Do(func() { close(m.disconnected) })
}

func (m *MockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

func (m *MockClient) Addr() ble.Addr {
	args := m.Called()
	return args.Get(0).(ble.Addr)
}

func (m *MockClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	args := m.Called(filter)
	svcs, _ := args.Get(0).([]*ble.Service)
	return svcs, args.Error(1)
}

func (m *MockClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	args := m.Called(filter, s)
	chars, _ := args.Get(0).([]*ble.Characteristic)
	return chars, args.Error(1)
}

func (m *MockClient) DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	args := m.Called(filter, c)
	descs, _ := args.Get(0).([]*ble.Descriptor)
	return descs, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockClient) WriteDescriptor(d *ble.Descriptor, v []byte) error {
	args := m.Called(d, v)
	return args.Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	return args.Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	return args.Error(0)
}

func (m *MockClient) CancelConnection() error {
	args := m.Called()
	m.Drop()
	return args.Error(0)
}

// MockAdvertisement is a mock of ble.Advertisement.
type MockAdvertisement struct {
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string {
	return m.Called().String(0)
}

func (m *MockAdvertisement) ManufacturerData() []byte {
	data, _ := m.Called().Get(0).([]byte)
	return data
}

func (m *MockAdvertisement) ServiceData() []ble.ServiceData {
	data, _ := m.Called().Get(0).([]ble.ServiceData)
	return data
}

func (m *MockAdvertisement) Services() []ble.UUID {
	uuids, _ := m.Called().Get(0).([]ble.UUID)
	return uuids
}

func (m *MockAdvertisement) OverflowService() []ble.UUID {
	uuids, _ := m.Called().Get(0).([]ble.UUID)
	return uuids
}

func (m *MockAdvertisement) TxPowerLevel() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Connectable() bool {
	return m.Called().Bool(0)
}

func (m *MockAdvertisement) SolicitedService() []ble.UUID {
	uuids, _ := m.Called().Get(0).([]ble.UUID)
	return uuids
}

func (m *MockAdvertisement) RSSI() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Addr() ble.Addr {
	return m.Called().Get(0).(ble.Addr)
}
