package device

import "fmt"

func init() {
	Register(BactoBox, newBactoBox)
	Register(Zeus, newZeus)
}

// newBactoBox is the BactoBox family's registered Constructor.
func newBactoBox(desc DeviceDescription, meta DeviceMetadata) (*Device, error) {
	if desc.Type != BactoBox {
		return nil, fmt.Errorf("device: newBactoBox called with type %q", desc.Type)
	}
	return New(desc, meta), nil
}

// newZeus is the Zeus family's registered Constructor.
func newZeus(desc DeviceDescription, meta DeviceMetadata) (*Device, error) {
	if desc.Type != Zeus {
		return nil, fmt.Errorf("device: newZeus called with type %q", desc.Type)
	}
	return New(desc, meta), nil
}
