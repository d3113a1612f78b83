package doctype

import "encoding/json"

const maxRange = 1 << 30

// Range is the {index, length} cursor or selection editors publish as
// presence.
type Range struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// RangeTransformer is implemented by types whose positions move with
// edits.
type RangeTransformer interface {
	// TransformRange moves r past op. own is set when r belongs to the
	// author of op, whose cursor follows their own insert.
	TransformRange(r Range, op Op, own bool) Range
}

// TransformPresence moves a presence value holding an index (and
// optionally a length) past op, keeping any other fields. Values of
// another shape, and types that are not RangeTransformers, come back
// unchanged.
func TransformPresence(t Type, value json.RawMessage, op Op, own bool) json.RawMessage {
	rt, ok := t.(RangeTransformer)
	if !ok {
		return value
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(value, &fields); err != nil {
		return value
	}
	var r Range
	if err := json.Unmarshal(fields["index"], &r.Index); err != nil {
		return value
	}
	l, hasLength := fields["length"]
	if hasLength {
		if err := json.Unmarshal(l, &r.Length); err != nil {
			return value
		}
	}
	if r.Index < 0 || r.Length < 0 || r.Index > maxRange || r.Length > maxRange {
		return value
	}

	next := rt.TransformRange(r, op, own)
	if next == r {
		return value
	}
	fields["index"], _ = json.Marshal(next.Index)
	if hasLength {
		fields["length"], _ = json.Marshal(next.Length)
	}
	res, err := json.Marshal(fields)
	if err != nil {
		return value
	}
	return res
}
