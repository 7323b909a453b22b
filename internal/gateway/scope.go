package gateway

// ScopeKind selects the addressing mode of a broadcast.
type ScopeKind string

const (
	ScopeConnection ScopeKind = "connection"
	ScopeRoom       ScopeKind = "room"
	ScopeAll        ScopeKind = "all"
)

// Scope is the addressing target of a broadcast: a single connection, a named
// room, or every connection.
type Scope struct {
	Kind   ScopeKind `json:"kind"`
	Target string    `json:"target,omitempty"`
}

func ToConnection(id string) Scope { return Scope{Kind: ScopeConnection, Target: id} }
func ToRoom(name string) Scope     { return Scope{Kind: ScopeRoom, Target: name} }
func ToAll() Scope                 { return Scope{Kind: ScopeAll} }

// Valid reports whether the scope is well formed. Connection and room scopes
// need a target; "all" must not carry one.
func (s Scope) Valid() bool {
	switch s.Kind {
	case ScopeConnection, ScopeRoom:
		return s.Target != ""
	case ScopeAll:
		return s.Target == ""
	}
	return false
}

// Message is a broadcast crossing the broker boundary. The payload is an
// opaque JSON document; event name and payload bytes round-trip exactly.
// A Message is immutable once constructed.
type Message struct {
	Event   string
	Scope   Scope
	Payload []byte
}
