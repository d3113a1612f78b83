// Package text implements plain text with operational transform.
//
// An op is a compound sequence of inserts and deletes applied one after
// another; positions count runes. Encoded components are "i,POS,VALUE" and
// "d,POS,LEN".
package text

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ilnaes/syncpad/internal/common"
	"github.com/ilnaes/syncpad/internal/doctype"
)

const Name = "text"

// MaxPos bounds every position and length a client may send, keeping the
// transform arithmetic far from overflow.
const MaxPos = 1 << 30

func init() {
	doctype.Register(Type{})
}

// Component is one insert or delete inside an Op.
type Component interface {
	Encode() string
	apply(s []rune) ([]rune, error)
}

type Insert struct {
	Pos   int
	Value string
}

func (c *Insert) Encode() string {
	return fmt.Sprintf("i,%d,%s", c.Pos, c.Value)
}

func (c *Insert) apply(s []rune) ([]rune, error) {
	if c.Pos < 0 || c.Pos > len(s) {
		return nil, common.Protocolf("insert at %d out of bounds (len %d)", c.Pos, len(s))
	}
	v := []rune(c.Value)
	res := make([]rune, 0, len(s)+len(v))
	res = append(res, s[:c.Pos]...)
	res = append(res, v...)
	return append(res, s[c.Pos:]...), nil
}

func (c *Insert) len() int { return len([]rune(c.Value)) }

type Delete struct {
	Pos int
	Len int
}

func (c *Delete) Encode() string {
	return fmt.Sprintf("d,%d,%d", c.Pos, c.Len)
}

func (c *Delete) apply(s []rune) ([]rune, error) {
	if c.Pos < 0 || c.Len < 0 || c.Pos > len(s) || c.Len > len(s)-c.Pos {
		return nil, common.Protocolf("delete [%d,%d) out of bounds (len %d)", c.Pos, c.Pos+c.Len, len(s))
	}
	res := make([]rune, 0, len(s)-c.Len)
	res = append(res, s[:c.Pos]...)
	return append(res, s[c.Pos+c.Len:]...), nil
}

// Op is a compound operation.
type Op []Component

func (op Op) Encode() ([]byte, error) {
	return json.Marshal(EncodeComponents(op))
}

func EncodeComponents(op Op) []string {
	strs := make([]string, len(op))
	for i, c := range op {
		strs[i] = c.Encode()
	}
	return strs
}

// DecodeComponent parses one encoded component.
func DecodeComponent(s string) (Component, error) {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) < 3 {
		return nil, common.Protocolf("failed to parse op %q", s)
	}
	pos, err := strconv.Atoi(parts[1])
	if err != nil || pos < 0 || pos > MaxPos {
		return nil, common.Protocolf("bad position in op %q", s)
	}
	switch parts[0] {
	case "i":
		return &Insert{pos, parts[2]}, nil
	case "d":
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 0 || n > MaxPos {
			return nil, common.Protocolf("bad length in op %q", s)
		}
		return &Delete{pos, n}, nil
	}
	return nil, common.Protocolf("unknown op type %q", parts[0])
}

func DecodeComponents(strs []string) (Op, error) {
	op := make(Op, len(strs))
	for i, s := range strs {
		c, err := DecodeComponent(s)
		if err != nil {
			return nil, err
		}
		op[i] = c
	}
	return op, nil
}

// Apply applies op to s.
func Apply(s string, op Op) (string, error) {
	rs := []rune(s)
	var err error
	for _, c := range op {
		if rs, err = c.apply(rs); err != nil {
			return "", err
		}
	}
	return string(rs), nil
}

// insertFirst decides which of two inserts at the same position lands
// first. The smaller value wins, so the outcome depends only on the two
// inserts and never on which one reached the server first.
func insertFirst(a, b *Insert) bool {
	return a.Value <= b.Value
}

// transformInsertDelete derives the bottom two sides of the OT diamond
// where the top two sides are an insert and a delete.
func transformInsertDelete(a *Insert, b *Delete) (ap, bp Component) {
	if a.Pos <= b.Pos {
		// insert before delete, delete shifts forward
		return a, &Delete{b.Pos + a.len(), b.Len}
	} else if a.Pos >= b.Pos+b.Len {
		// insert after delete, insert shifts backward
		return &Insert{a.Pos - b.Len, a.Value}, b
	}
	// insert inside the deleted range: delete swallows it
	return &Insert{b.Pos, ""}, &Delete{b.Pos, b.Len + a.len()}
}

// Transform turns (a, b), both against the same state, into (a', b') such
// that a followed by b' equals b followed by a'.
func Transform(a, b Component) (ap, bp Component) {
	switch ai := a.(type) {
	case *Insert:
		switch bi := b.(type) {
		case *Insert:
			if ai.Pos < bi.Pos || (ai.Pos == bi.Pos && insertFirst(ai, bi)) {
				return a, &Insert{bi.Pos + ai.len(), bi.Value}
			}
			return &Insert{ai.Pos + bi.len(), ai.Value}, b
		case *Delete:
			return transformInsertDelete(ai, bi)
		}
	case *Delete:
		switch bi := b.(type) {
		case *Insert:
			ins, del := transformInsertDelete(bi, ai)
			return del, ins
		case *Delete:
			aEnd, bEnd := ai.Pos+ai.Len, bi.Pos+bi.Len
			if aEnd <= bi.Pos {
				return a, &Delete{bi.Pos - ai.Len, bi.Len}
			} else if bEnd <= ai.Pos {
				return &Delete{ai.Pos - bi.Len, ai.Len}, b
			}
			// overlapping deletes
			pos := min(ai.Pos, bi.Pos)
			overlap := min(aEnd, bEnd) - max(ai.Pos, bi.Pos)
			return &Delete{pos, ai.Len - overlap}, &Delete{pos, bi.Len - overlap}
		}
	}
	panic(fmt.Sprintf("text: unexpected components %T, %T", a, b))
}

// TransformOps is Transform lifted to compound ops.
func TransformOps(a, b Op) (ap, bp Op) {
	aNew, bNew := make(Op, len(a)), make(Op, len(b))
	copy(aNew, a)
	for i, bc := range b {
		for j, ac := range aNew {
			aNew[j], bc = Transform(ac, bc)
		}
		bNew[i] = bc
	}
	return aNew, bNew
}

type content string

func (c content) Encode() ([]byte, error) { return json.Marshal(string(c)) }

// Value returns the string held by a text Content.
func Value(c doctype.Content) string {
	return string(c.(content))
}

// Type is the plain text document type.
type Type struct{}

func (Type) Name() string { return Name }

func (Type) Empty() doctype.Content { return content("") }

// New returns text content holding s.
func New(s string) doctype.Content { return content(s) }

func (Type) DecodeContent(data []byte) (doctype.Content, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, common.Protocolf("text content: %v", err)
	}
	return content(s), nil
}

func (Type) DecodeOp(payload json.RawMessage) (doctype.Op, error) {
	var strs []string
	if err := json.Unmarshal(payload, &strs); err != nil {
		return nil, common.Protocolf("text op: %v", err)
	}
	return DecodeComponents(strs)
}

func (Type) Reconcile(h doctype.History, base int64, op doctype.Op) (doctype.Op, error) {
	committed, err := h.Since(base)
	if err != nil {
		return nil, err
	}
	res := op.(Op)
	for _, c := range committed {
		res, _ = TransformOps(res, c.(Op))
	}
	return res, nil
}

func (Type) Apply(c doctype.Content, op doctype.Op) (doctype.Content, error) {
	s, err := Apply(Value(c), op.(Op))
	if err != nil {
		return nil, err
	}
	return content(s), nil
}

// TransformRange moves a cursor or selection past op. An insert at the
// cursor pushes it along only when own is set.
func (Type) TransformRange(r doctype.Range, op doctype.Op, own bool) doctype.Range {
	start, end := r.Index, r.Index+r.Length
	for _, c := range op.(Op) {
		start = transformPosition(start, c, own)
		end = transformPosition(end, c, own)
	}
	if end < start {
		end = start
	}
	return doctype.Range{Index: start, Length: end - start}
}

func transformPosition(x int, c Component, own bool) int {
	switch c := c.(type) {
	case *Insert:
		if c.Pos < x || (c.Pos == x && own) {
			return x + c.len()
		}
	case *Delete:
		if c.Pos < x {
			return x - min(c.Len, x-c.Pos)
		}
	}
	return x
}
