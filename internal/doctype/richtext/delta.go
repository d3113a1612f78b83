package richtext

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"unicode/utf16"

	"github.com/ilnaes/syncpad/internal/common"
)

const inf = math.MaxInt

// MaxLength bounds a single retain or delete.
const MaxLength = 1 << 30

// Op is one delta component: an insert (text or embed), a retain or a
// delete, with optional attributes. Lengths count UTF-16 code units so
// offsets agree with browser editors.
type Op struct {
	Insert     string
	Embed      map[string]interface{}
	Retain     int
	Delete     int
	Attributes map[string]interface{}
}

func (op Op) isDelete() bool { return op.Delete > 0 }
func (op Op) isRetain() bool { return op.Retain > 0 }
func (op Op) isInsert() bool { return !op.isDelete() && !op.isRetain() }
func (op Op) isText() bool   { return op.isInsert() && op.Embed == nil }

func (op Op) length() int {
	switch {
	case op.isDelete():
		return op.Delete
	case op.isRetain():
		return op.Retain
	case op.Embed != nil:
		return 1
	}
	return strLen(op.Insert)
}

func (op Op) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, 2)
	switch {
	case op.isDelete():
		m["delete"] = op.Delete
	case op.isRetain():
		m["retain"] = op.Retain
	case op.Embed != nil:
		m["insert"] = op.Embed
	default:
		m["insert"] = op.Insert
	}
	if len(op.Attributes) > 0 {
		m["attributes"] = op.Attributes
	}
	return json.Marshal(m)
}

func (op *Op) UnmarshalJSON(data []byte) error {
	var raw struct {
		Insert     json.RawMessage        `json:"insert"`
		Retain     *int                   `json:"retain"`
		Delete     *int                   `json:"delete"`
		Attributes map[string]interface{} `json:"attributes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return common.Protocolf("delta op: %v", err)
	}

	n := 0
	for _, set := range []bool{raw.Insert != nil, raw.Retain != nil, raw.Delete != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return common.Protocolf("delta op needs exactly one of insert, retain, delete: %s", data)
	}

	*op = Op{Attributes: raw.Attributes}
	switch {
	case raw.Retain != nil:
		if *raw.Retain < 0 || *raw.Retain > MaxLength {
			return common.Protocolf("retain %d out of range", *raw.Retain)
		}
		op.Retain = *raw.Retain
	case raw.Delete != nil:
		if *raw.Delete < 0 || *raw.Delete > MaxLength {
			return common.Protocolf("delete %d out of range", *raw.Delete)
		}
		if len(raw.Attributes) > 0 {
			return common.Protocolf("delete cannot carry attributes")
		}
		op.Delete = *raw.Delete
	default:
		t := bytes.TrimSpace(raw.Insert)
		switch {
		case len(t) > 0 && t[0] == '"':
			if err := json.Unmarshal(t, &op.Insert); err != nil {
				return common.Protocolf("delta insert: %v", err)
			}
		case len(t) > 0 && t[0] == '{':
			op.Embed = make(map[string]interface{})
			if err := json.Unmarshal(t, &op.Embed); err != nil {
				return common.Protocolf("delta embed: %v", err)
			}
		default:
			return common.Protocolf("insert must be a string or an object: %s", t)
		}
	}
	return nil
}

// Delta is a normalized list of ops. A document is a delta made only of
// inserts.
type Delta struct {
	Ops []Op `json:"ops"`
}

// NewDelta normalizes ops into a delta.
func NewDelta(ops ...Op) Delta {
	var d Delta
	for _, op := range ops {
		d.push(op)
	}
	return d
}

// Decode accepts either a bare op array or {"ops": [...]}.
func Decode(data []byte) (Delta, error) {
	var ops []Op
	t := bytes.TrimSpace(data)
	if len(t) > 0 && t[0] == '[' {
		if err := json.Unmarshal(t, &ops); err != nil {
			return Delta{}, wrapDecode(err)
		}
	} else {
		var d Delta
		if err := json.Unmarshal(t, &d); err != nil {
			return Delta{}, wrapDecode(err)
		}
		ops = d.Ops
	}
	return NewDelta(ops...), nil
}

func wrapDecode(err error) error {
	if common.Code(err) == common.CodeProtocol {
		return err
	}
	return common.Protocolf("delta: %v", err)
}

func (d Delta) Encode() ([]byte, error) {
	if d.Ops == nil {
		d.Ops = []Op{}
	}
	return json.Marshal(d)
}

// Insert, Retain and Delete are builders for tests and seeds.
func (d Delta) Insert(s string, attrs map[string]interface{}) Delta {
	d.Ops = append([]Op(nil), d.Ops...)
	d.push(Op{Insert: s, Attributes: attrs})
	return d
}

func (d Delta) Retain(n int, attrs map[string]interface{}) Delta {
	d.Ops = append([]Op(nil), d.Ops...)
	d.push(Op{Retain: n, Attributes: attrs})
	return d
}

func (d Delta) Delete(n int) Delta {
	d.Ops = append([]Op(nil), d.Ops...)
	d.push(Op{Delete: n})
	return d
}

// Length is the length of the document a delta of inserts describes.
func (d Delta) Length() int {
	n := 0
	for _, op := range d.Ops {
		if op.isInsert() {
			n += op.length()
		}
	}
	return n
}

// BaseLength is the document length an operation expects to act on. The
// sum saturates instead of overflowing.
func (d Delta) BaseLength() int {
	n := 0
	for _, op := range d.Ops {
		if op.isInsert() {
			continue
		}
		l := op.length()
		if l > inf-n {
			return inf
		}
		n += l
	}
	return n
}

// splitsPair reports the first position where op would cut a surrogate
// pair of the document doc in half, or -1.
func splitsPair(doc, op Delta) int {
	u := utf16.Encode([]rune(doc.Text()))
	pos := 0
	for _, o := range op.Ops {
		if o.isInsert() {
			continue
		}
		pos += o.length()
		if pos > 0 && pos < len(u) && utf16.IsSurrogate(rune(u[pos-1])) && u[pos-1] < 0xdc00 {
			return pos
		}
	}
	return -1
}

// IsDocument reports whether d holds only inserts.
func (d Delta) IsDocument() bool {
	for _, op := range d.Ops {
		if !op.isInsert() {
			return false
		}
	}
	return true
}

// Text returns the plain text of a document, with each embed as U+FFFC.
func (d Delta) Text() string {
	var b bytes.Buffer
	for _, op := range d.Ops {
		if op.Embed != nil {
			b.WriteRune('￼')
		} else if op.isInsert() {
			b.WriteString(op.Insert)
		}
	}
	return b.String()
}

func (d *Delta) push(op Op) {
	if op.length() == 0 {
		return
	}
	idx := len(d.Ops)
	if idx > 0 {
		last := &d.Ops[idx-1]
		if op.isDelete() && last.isDelete() {
			last.Delete += op.Delete
			return
		}
		// inserts go before a trailing delete
		if last.isDelete() && op.isInsert() {
			idx--
			if idx == 0 {
				d.Ops = append([]Op{op}, d.Ops...)
				return
			}
			last = &d.Ops[idx-1]
		}
		if attrsEqual(op.Attributes, last.Attributes) {
			if op.isText() && last.isText() {
				last.Insert += op.Insert
				return
			}
			if op.isRetain() && last.isRetain() {
				last.Retain += op.Retain
				return
			}
		}
	}
	d.Ops = append(d.Ops, Op{})
	copy(d.Ops[idx+1:], d.Ops[idx:])
	d.Ops[idx] = op
}

func (d *Delta) retain(n int, attrs map[string]interface{}) {
	d.push(Op{Retain: n, Attributes: attrs})
}

// chop drops a trailing plain retain.
func (d Delta) chop() Delta {
	if n := len(d.Ops); n > 0 && d.Ops[n-1].isRetain() && len(d.Ops[n-1].Attributes) == 0 {
		d.Ops = d.Ops[:n-1]
	}
	return d
}

// Compose returns the delta equivalent to d followed by other.
func (d Delta) Compose(other Delta) Delta {
	a, b := newIterator(d.Ops), newIterator(other.Ops)
	var res Delta
	for a.hasNext() || b.hasNext() {
		if b.peekInsert() {
			res.push(b.next(inf))
		} else if a.peekDelete() {
			res.push(a.next(inf))
		} else {
			length := min(a.peekLength(), b.peekLength())
			ao, bo := a.next(length), b.next(length)
			if bo.isRetain() {
				var n Op
				if ao.isRetain() {
					n.Retain = length
				} else {
					n.Insert, n.Embed = ao.Insert, ao.Embed
				}
				n.Attributes = composeAttrs(ao.Attributes, bo.Attributes, ao.isRetain())
				res.push(n)
			} else if bo.isDelete() && ao.isRetain() {
				res.push(bo)
			}
			// an insert followed by a delete cancels out
		}
	}
	return res.chop()
}

// Transform rewrites other, concurrent with d, so it applies after d.
// Inserts at the same position and conflicting attribute values are
// ordered by content, so the outcome does not depend on which of the two
// was committed first.
func (d Delta) Transform(other Delta) Delta {
	a, b := newIterator(d.Ops), newIterator(other.Ops)
	var res Delta
	for a.hasNext() || b.hasNext() {
		if a.peekInsert() && (!b.peekInsert() || insertFirst(a.peekOp(), b.peekOp())) {
			res.retain(a.next(inf).length(), nil)
		} else if b.peekInsert() {
			res.push(b.next(inf))
		} else {
			length := min(a.peekLength(), b.peekLength())
			ao, bo := a.next(length), b.next(length)
			if ao.isDelete() {
				// already gone
				continue
			}
			if bo.isDelete() {
				res.push(bo)
				continue
			}
			res.retain(length, transformAttrs(ao.Attributes, bo.Attributes))
		}
	}
	return res.chop()
}

// TransformPosition moves index past d. With priority set, an insert
// exactly at index leaves it where it is.
func (d Delta) TransformPosition(index int, priority bool) int {
	it := newIterator(d.Ops)
	offset := 0
	for it.hasNext() && offset <= index {
		length := it.peekLength()
		insert, del := it.peekInsert(), it.peekDelete()
		it.next(inf)
		if del {
			index -= min(length, index-offset)
			continue
		}
		if insert && (offset < index || !priority) {
			index += length
		}
		offset += length
	}
	return index
}

func insertFirst(a, b Op) bool {
	return insertKey(a) <= insertKey(b)
}

func insertKey(op Op) string {
	var body []byte
	if op.Embed != nil {
		body, _ = json.Marshal(op.Embed)
		body = append([]byte{1}, body...)
	} else {
		body = append([]byte{0}, op.Insert...)
	}
	attrs, _ := json.Marshal(op.Attributes)
	return string(body) + "\x00" + string(attrs)
}

type iterator struct {
	ops    []Op
	index  int
	offset int
}

func newIterator(ops []Op) *iterator {
	return &iterator{ops: ops}
}

func (it *iterator) hasNext() bool { return it.peekLength() < inf }

func (it *iterator) peekLength() int {
	if it.index < len(it.ops) {
		return it.ops[it.index].length() - it.offset
	}
	return inf
}

func (it *iterator) peekInsert() bool {
	return it.index < len(it.ops) && it.ops[it.index].isInsert()
}

func (it *iterator) peekDelete() bool {
	return it.index < len(it.ops) && it.ops[it.index].isDelete()
}

// peekOp returns what next(inf) would return without advancing.
func (it *iterator) peekOp() Op {
	c := *it
	return c.next(inf)
}

func (it *iterator) next(length int) Op {
	if it.index >= len(it.ops) {
		return Op{Retain: inf}
	}
	op := it.ops[it.index]
	offset := it.offset
	if rest := op.length() - offset; length >= rest {
		length = rest
		it.index++
		it.offset = 0
	} else {
		it.offset += length
	}

	switch {
	case op.isDelete():
		return Op{Delete: length}
	case op.isRetain():
		return Op{Retain: length, Attributes: op.Attributes}
	case op.Embed != nil:
		return Op{Embed: op.Embed, Attributes: op.Attributes}
	}
	return Op{Insert: strSlice(op.Insert, offset, offset+length), Attributes: op.Attributes}
}

func attrsEqual(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// composeAttrs applies attribute changes b on top of a. Null values in b
// remove a key unless keepNull is set (retain on retain keeps the removal
// for later).
func composeAttrs(a, b map[string]interface{}, keepNull bool) map[string]interface{} {
	res := make(map[string]interface{}, len(a)+len(b))
	for k, v := range b {
		if v != nil || keepNull {
			res[k] = v
		}
	}
	for k, v := range a {
		if _, ok := b[k]; !ok {
			res[k] = v
		}
	}
	if len(res) == 0 {
		return nil
	}
	return res
}

// transformAttrs returns the attribute changes of b that survive a
// concurrent a. On a conflicting key the larger value wins.
func transformAttrs(a, b map[string]interface{}) map[string]interface{} {
	if len(b) == 0 {
		return nil
	}
	res := make(map[string]interface{}, len(b))
	for k, v := range b {
		if av, ok := a[k]; ok && valueKey(av) >= valueKey(v) {
			continue
		}
		res[k] = v
	}
	if len(res) == 0 {
		return nil
	}
	return res
}

func valueKey(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func strLen(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

func strSlice(s string, start, end int) string {
	u := utf16.Encode([]rune(s))
	return string(utf16.Decode(u[start:end]))
}
