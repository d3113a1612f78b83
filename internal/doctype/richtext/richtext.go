// Package richtext implements quill-style rich text deltas with
// operational transform.
package richtext

import (
	"encoding/json"

	"github.com/ilnaes/syncpad/internal/common"
	"github.com/ilnaes/syncpad/internal/doctype"
)

const Name = "rich-text"

func init() {
	doctype.Register(Type{})
}

type Type struct{}

func (Type) Name() string { return Name }

func (Type) Empty() doctype.Content { return Delta{} }

func (Type) DecodeContent(data []byte) (doctype.Content, error) {
	d, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if !d.IsDocument() {
		return nil, common.Protocolf("rich-text content must hold only inserts")
	}
	return d, nil
}

func (Type) DecodeOp(payload json.RawMessage) (doctype.Op, error) {
	return Decode(payload)
}

func (Type) Reconcile(h doctype.History, base int64, op doctype.Op) (doctype.Op, error) {
	committed, err := h.Since(base)
	if err != nil {
		return nil, err
	}
	res := op.(Delta)
	for _, c := range committed {
		res = c.(Delta).Transform(res)
	}
	return res, nil
}

func (Type) Apply(c doctype.Content, op doctype.Op) (doctype.Content, error) {
	doc, d := c.(Delta), op.(Delta)
	if n, m := d.BaseLength(), doc.Length(); n > m {
		return nil, common.Protocolf("delta spans %d but document length is %d", n, m)
	}
	if p := splitsPair(doc, d); p >= 0 {
		return nil, common.Protocolf("delta boundary at %d splits a surrogate pair", p)
	}
	res := doc.Compose(d)
	if !res.IsDocument() {
		return nil, common.Protocolf("delta does not compose into a document")
	}
	return res, nil
}

// TransformRange moves a cursor or selection past op. The author's own
// insert at the cursor pushes it along.
func (Type) TransformRange(r doctype.Range, op doctype.Op, own bool) doctype.Range {
	d := op.(Delta)
	start := d.TransformPosition(r.Index, !own)
	end := d.TransformPosition(r.Index+r.Length, !own)
	if end < start {
		end = start
	}
	return doctype.Range{Index: start, Length: end - start}
}
