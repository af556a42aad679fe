package replica

// ID is a globally unique identifier for a character, combining the ID of
// the replica that created it and that replica's logical clock.
type ID struct {
	_      struct{} `cbor:",toarray"`
	Client uint64
	Clock  uint64
}

// after reports whether id sorts before other among siblings. Newer
// characters (higher clock) come first; the client ID breaks ties.
func (id ID) after(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}
	return id.Client > other.Client
}

// Item is a single character in the sequence. Origin is the character it
// was typed after at creation time, or nil for the start of the document.
type Item struct {
	_      struct{} `cbor:",toarray"`
	ID     ID
	Origin *ID
	Value  string
}

// update is the wire form of both deltas and full snapshots: a set of
// items plus a set of deleted IDs. Merging is set union.
type update struct {
	_       struct{} `cbor:",toarray"`
	Items   []Item
	Deleted []ID
}

type node struct {
	item     Item
	children []*node
}
