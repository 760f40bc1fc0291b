package types

// Event represents a typed event emitted during a settlement state
// transition. Sequence and Timestamp are zero until the node journal
// assigns them; consumers paginate the journal by Sequence.
type Event struct {
	Sequence   uint64            `json:"sequence,omitempty"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp,omitempty"`
}

// Clone returns a deep copy so journal consumers can hold events without
// sharing the attribute map.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := &Event{Sequence: e.Sequence, Type: e.Type, Timestamp: e.Timestamp}
	if e.Attributes != nil {
		out.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
