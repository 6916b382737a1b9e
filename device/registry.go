package device

import (
	"fmt"
	"sync"
)

// Constructor builds a concrete Device for a given description. Concrete
// device families register one of these at init() time, mirroring
// mantle/kola/register's plain map-plus-init() registration idiom.
type Constructor func(desc DeviceDescription, meta DeviceMetadata) (*Device, error)

var (
	registryMu sync.RWMutex
	registry   = map[DeviceType]Constructor{}
)

// Register associates a Constructor with a DeviceType. Concrete device
// packages call this from an init() function. Registering the same type
// twice panics, since it almost always indicates two families were linked
// in under the same DeviceType by mistake.
func Register(typ DeviceType, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[typ]; exists {
		panic(fmt.Sprintf("device: constructor already registered for type %q", typ))
	}
	registry[typ] = ctor
}

// FromDescription looks up the registered Constructor for desc.Type and
// invokes it.
func FromDescription(desc DeviceDescription, meta DeviceMetadata) (*Device, error) {
	registryMu.RLock()
	ctor, ok := registry[desc.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device: no constructor registered for type %q", desc.Type)
	}
	return ctor(desc, meta)
}
