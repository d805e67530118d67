package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Id is an opaque identifier for clients, gateways, resources, and
// connections. On the wire it is a UUID string; internally it is just an
// opaque comparable value, never interpreted beyond equality.
type Id struct {
	uuid uuid.UUID
}

// NewId generates a fresh random Id.
func NewId() Id {
	return Id{uuid: uuid.New()}
}

// ParseId parses a UUID string into an Id.
func ParseId(s string) (Id, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Id{}, fmt.Errorf("parsing id %q: %w", s, err)
	}
	return Id{uuid: u}, nil
}

// IsZero reports whether the Id is the zero value.
func (id Id) IsZero() bool {
	return id.uuid == uuid.Nil
}

func (id Id) String() string {
	return id.uuid.String()
}

// MarshalText implements encoding.TextMarshaler.
func (id Id) MarshalText() ([]byte, error) {
	return []byte(id.uuid.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Id) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("parsing id %q: %w", text, err)
	}
	id.uuid = u
	return nil
}

// ClientId names an Id used as a client identifier, for readability at
// call sites and in logs.
type ClientId = Id

// GatewayId names an Id used as a gateway identifier.
type GatewayId = Id

// ResourceId names an Id used as a resource identifier.
type ResourceId = Id
