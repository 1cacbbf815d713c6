package device

import (
	"sort"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// RawService is a service as reported by the link, before the tree is assembled.
type RawService struct {
	Handle    AttributeHandle
	EndHandle AttributeHandle
	UUID      string
}

// RawCharacteristic is a characteristic declaration as reported by the link.
type RawCharacteristic struct {
	Handle      AttributeHandle
	ValueHandle AttributeHandle
	EndHandle   AttributeHandle
	UUID        string
	Properties  Property
}

// RawDescriptor is a descriptor as reported by the link.
type RawDescriptor struct {
	Handle AttributeHandle
	UUID   string
}

// Descriptor is a discovered descriptor. Characteristic is a non-owning back-reference.
type Descriptor struct {
	Handle         AttributeHandle
	UUID           string
	Characteristic *Characteristic
}

// Characteristic is a discovered characteristic. Service is a non-owning back-reference.
type Characteristic struct {
	Conn        ConnectionHandle
	Handle      AttributeHandle
	ValueHandle AttributeHandle
	EndHandle   AttributeHandle
	UUID        string
	Properties  Property
	Descriptors []*Descriptor
	CCCD        *Descriptor
	Service     *Service
}

// Raw returns the link-level view of the characteristic.
func (c *Characteristic) Raw() RawCharacteristic {
	return RawCharacteristic{
		Handle:      c.Handle,
		ValueHandle: c.ValueHandle,
		EndHandle:   c.EndHandle,
		UUID:        c.UUID,
		Properties:  c.Properties,
	}
}

// Service is a discovered primary service.
type Service struct {
	Handle          AttributeHandle
	EndHandle       AttributeHandle
	UUID            string
	Characteristics []*Characteristic

	index *orderedmap.OrderedMap[string, *Characteristic]
}

// Raw returns the link-level view of the service.
func (s *Service) Raw() RawService {
	return RawService{Handle: s.Handle, EndHandle: s.EndHandle, UUID: s.UUID}
}

// Characteristic returns the first characteristic with the given UUID.
func (s *Service) Characteristic(uuid string) (*Characteristic, bool) {
	if s == nil || s.index == nil {
		return nil, false
	}
	return s.index.Get(NormalizeUUID(uuid))
}

// ServiceTree is the attribute tree of one connection. It is immutable once built.
type ServiceTree struct {
	Conn     ConnectionHandle
	Peer     PeerAddress
	Services []*Service
	// Complete is false when the peer database could not be fully enumerated.
	Complete bool

	index *orderedmap.OrderedMap[string, *Service]
}

// Service returns the first service with the given UUID.
func (t *ServiceTree) Service(uuid string) (*Service, bool) {
	if t == nil || t.index == nil {
		return nil, false
	}
	return t.index.Get(NormalizeUUID(uuid))
}

// Characteristic finds a characteristic by service and characteristic UUID.
func (t *ServiceTree) Characteristic(serviceUUID, charUUID string) (*Characteristic, bool) {
	svc, ok := t.Service(serviceUUID)
	if !ok {
		return nil, false
	}
	return svc.Characteristic(charUUID)
}

// ServiceUUIDs lists the distinct service UUIDs in tree order.
func (t *ServiceTree) ServiceUUIDs() []string {
	if t == nil || t.index == nil {
		return nil
	}
	uuids := make([]string, 0, t.index.Len())
	for pair := t.index.Oldest(); pair != nil; pair = pair.Next() {
		uuids = append(uuids, pair.Key)
	}
	return uuids
}

// Characteristics returns every characteristic of the tree in tree order.
func (t *ServiceTree) Characteristics() []*Characteristic {
	if t == nil {
		return nil
	}
	var chars []*Characteristic
	for _, s := range t.Services {
		chars = append(chars, s.Characteristics...)
	}
	return chars
}

// ByValueHandle finds the characteristic whose value lives at the given handle.
func (t *ServiceTree) ByValueHandle(h AttributeHandle) (*Characteristic, bool) {
	for _, c := range t.Characteristics() {
		if c.ValueHandle == h {
			return c, true
		}
	}
	return nil, false
}

// CharacteristicCount returns the number of characteristics in the tree.
func (t *ServiceTree) CharacteristicCount() int {
	return len(t.Characteristics())
}

// TreeService is the input for one service when assembling a tree.
type TreeService struct {
	Service         RawService
	Characteristics []TreeCharacteristic
}

// TreeCharacteristic is the input for one characteristic when assembling a tree.
type TreeCharacteristic struct {
	Characteristic RawCharacteristic
	Descriptors    []RawDescriptor
}

// BuildServiceTree assembles an immutable tree from raw discovery results.
// Services, characteristics and descriptors are ordered by attribute handle,
// ties broken by UUID, so repeated builds from the same input are identical.
func BuildServiceTree(conn ConnectionHandle, peer PeerAddress, input []TreeService, complete bool) *ServiceTree {
	tree := &ServiceTree{
		Conn:     conn,
		Peer:     peer,
		Complete: complete,
		index:    orderedmap.New[string, *Service](),
	}

	for _, ts := range input {
		svc := &Service{
			Handle:    ts.Service.Handle,
			EndHandle: ts.Service.EndHandle,
			UUID:      NormalizeUUID(ts.Service.UUID),
			index:     orderedmap.New[string, *Characteristic](),
		}
		for _, tc := range ts.Characteristics {
			chr := &Characteristic{
				Conn:        conn,
				Handle:      tc.Characteristic.Handle,
				ValueHandle: tc.Characteristic.ValueHandle,
				EndHandle:   tc.Characteristic.EndHandle,
				UUID:        NormalizeUUID(tc.Characteristic.UUID),
				Properties:  tc.Characteristic.Properties,
				Service:     svc,
			}
			for _, rd := range tc.Descriptors {
				d := &Descriptor{Handle: rd.Handle, UUID: NormalizeUUID(rd.UUID), Characteristic: chr}
				chr.Descriptors = append(chr.Descriptors, d)
			}
			sort.SliceStable(chr.Descriptors, func(i, j int) bool {
				return lessAttr(chr.Descriptors[i].Handle, chr.Descriptors[i].UUID, chr.Descriptors[j].Handle, chr.Descriptors[j].UUID)
			})
			for _, d := range chr.Descriptors {
				if d.UUID == UUIDClientCharConfig && chr.CCCD == nil {
					chr.CCCD = d
				}
			}
			svc.Characteristics = append(svc.Characteristics, chr)
		}
		sort.SliceStable(svc.Characteristics, func(i, j int) bool {
			a, b := svc.Characteristics[i], svc.Characteristics[j]
			return lessAttr(a.Handle, a.UUID, b.Handle, b.UUID)
		})
		for _, c := range svc.Characteristics {
			if _, exists := svc.index.Get(c.UUID); !exists {
				svc.index.Set(c.UUID, c)
			}
		}
		tree.Services = append(tree.Services, svc)
	}

	sort.SliceStable(tree.Services, func(i, j int) bool {
		a, b := tree.Services[i], tree.Services[j]
		return lessAttr(a.Handle, a.UUID, b.Handle, b.UUID)
	})
	for _, s := range tree.Services {
		if _, exists := tree.index.Get(s.UUID); !exists {
			tree.index.Set(s.UUID, s)
		}
	}
	return tree
}

// Rebind returns a copy of the tree attached to another connection handle.
// Used when a re-linked peer reuses its previous discovery results.
func (t *ServiceTree) Rebind(conn ConnectionHandle) *ServiceTree {
	return BuildServiceTree(conn, t.Peer, t.Input(), t.Complete)
}

// Input converts the tree back to the raw form accepted by BuildServiceTree.
func (t *ServiceTree) Input() []TreeService {
	input := make([]TreeService, 0, len(t.Services))
	for _, s := range t.Services {
		ts := TreeService{Service: s.Raw()}
		for _, c := range s.Characteristics {
			tc := TreeCharacteristic{Characteristic: c.Raw()}
			for _, d := range c.Descriptors {
				tc.Descriptors = append(tc.Descriptors, RawDescriptor{Handle: d.Handle, UUID: d.UUID})
			}
			ts.Characteristics = append(ts.Characteristics, tc)
		}
		input = append(input, ts)
	}
	return input
}

func lessAttr(ha AttributeHandle, ua string, hb AttributeHandle, ub string) bool {
	if ha != hb {
		return ha < hb
	}
	return ua < ub
}
