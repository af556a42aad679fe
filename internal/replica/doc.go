// Package replica implements the mergeable text document each room and
// each participant holds.
//
// A document is a tree of characters: every character hangs off the
// character it was typed after (its origin), and siblings are ordered
// newest first. The text is the pre-order walk of that tree minus the
// deleted set. Because the tree shape depends only on which characters
// exist, and deletion is a set union, two replicas that have seen the
// same updates hold the same text no matter the order or duplication of
// delivery.
package replica

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrOutOfRange is returned for local edits outside the current text.
var ErrOutOfRange = errors.New("position out of range")

// Doc is a replica of one shared text. It is safe for concurrent use.
type Doc struct {
	mu     sync.Mutex
	client uint64
	clock  uint64

	root  *node
	nodes map[ID]*node

	// pending holds items whose origin has not arrived yet, keyed by
	// that origin. waiting indexes the same items by their own ID.
	pending map[ID][]Item
	waiting map[ID]struct{}

	deleted map[ID]struct{}

	onUpdate []func(update []byte)
	onChange []func()
}

// New returns an empty document with a random client ID.
func New() *Doc {
	return NewWithClient(newClientID())
}

// NewWithClient returns an empty document that stamps local edits with
// the given client ID. Two live documents must never share a client ID.
func NewWithClient(client uint64) *Doc {
	return &Doc{
		client:  client,
		root:    &node{},
		nodes:   make(map[ID]*node),
		pending: make(map[ID][]Item),
		waiting: make(map[ID]struct{}),
		deleted: make(map[ID]struct{}),
	}
}

func newClientID() uint64 {
	for {
		u := uuid.New()
		if id := binary.BigEndian.Uint64(u[:8]); id != 0 {
			return id
		}
	}
}

// Client returns the ID stamped on this document's local edits.
func (d *Doc) Client() uint64 {
	return d.client
}

// OnUpdate registers fn to receive the encoded delta of every local edit.
// It is called synchronously, after the edit is applied, and never for
// updates merged through ApplyUpdate.
func (d *Doc) OnUpdate(fn func(update []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUpdate = append(d.onUpdate, fn)
}

// OnChange registers fn to be called whenever the text may have changed,
// whether from a local edit or a merged update.
func (d *Doc) OnChange(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = append(d.onChange, fn)
}

// Text returns the current visible text.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b strings.Builder
	d.walk(func(n *node) {
		if _, gone := d.deleted[n.item.ID]; !gone {
			b.WriteString(n.item.Value)
		}
	})
	return b.String()
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visible())
}

// Insert inserts text before the character at pos (0-based, in
// characters) and emits a single delta for the whole string.
func (d *Doc) Insert(pos int, text string) error {
	if text == "" {
		return nil
	}

	d.mu.Lock()
	vis := d.visible()
	if pos < 0 || pos > len(vis) {
		d.mu.Unlock()
		return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, pos, len(vis))
	}

	var origin *ID
	if pos > 0 {
		id := vis[pos-1].item.ID
		origin = &id
	}

	var u update
	for _, r := range text {
		d.clock++
		it := Item{ID: ID{Client: d.client, Clock: d.clock}, Origin: origin, Value: string(r)}
		d.integrate(it)
		u.Items = append(u.Items, it)
		id := it.ID
		origin = &id
	}
	d.commitLocal(u)
	return nil
}

// Delete removes n characters starting at pos and emits a single delta.
func (d *Doc) Delete(pos, n int) error {
	if n == 0 {
		return nil
	}

	d.mu.Lock()
	vis := d.visible()
	if pos < 0 || n < 0 || pos+n > len(vis) {
		d.mu.Unlock()
		return fmt.Errorf("%w: delete %d at %d, length %d", ErrOutOfRange, n, pos, len(vis))
	}

	var u update
	for _, nd := range vis[pos : pos+n] {
		d.deleted[nd.item.ID] = struct{}{}
		u.Deleted = append(u.Deleted, nd.item.ID)
	}
	d.commitLocal(u)
	return nil
}

// commitLocal encodes u, releases the lock and notifies handlers. Must be
// called with d.mu held.
func (d *Doc) commitLocal(u update) {
	data := encodeUpdate(u)
	updates := slices.Clone(d.onUpdate)
	changes := slices.Clone(d.onChange)
	d.mu.Unlock()

	for _, fn := range updates {
		fn(data)
	}
	for _, fn := range changes {
		fn()
	}
}

// ApplyUpdate merges a delta or snapshot produced by any replica.
// Re-applying known content is a no-op. Items whose origin is unknown are
// held until the origin arrives.
func (d *Doc) ApplyUpdate(data []byte) error {
	u, err := decodeUpdate(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	changed := false
	for _, it := range u.Items {
		if d.integrate(it) {
			changed = true
		}
	}
	for _, id := range u.Deleted {
		if _, ok := d.deleted[id]; !ok {
			d.deleted[id] = struct{}{}
			changed = true
		}
	}
	changes := slices.Clone(d.onChange)
	d.mu.Unlock()

	if changed {
		for _, fn := range changes {
			fn()
		}
	}
	return nil
}

// EncodeFullState returns a snapshot that rebuilds this document's
// content when applied to an empty one, including pending items.
func (d *Doc) EncodeFullState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := update{Items: make([]Item, 0, len(d.nodes)+len(d.waiting))}
	d.walk(func(n *node) {
		u.Items = append(u.Items, n.item)
	})

	var held []Item
	for _, items := range d.pending {
		held = append(held, items...)
	}
	sort.Slice(held, func(i, j int) bool { return held[i].ID.after(held[j].ID) })
	u.Items = append(u.Items, held...)

	u.Deleted = make([]ID, 0, len(d.deleted))
	for id := range d.deleted {
		u.Deleted = append(u.Deleted, id)
	}
	sort.Slice(u.Deleted, func(i, j int) bool { return u.Deleted[i].after(u.Deleted[j]) })

	return encodeUpdate(u)
}

// integrate adds it to the tree, or parks it until its origin arrives.
// It reports whether any character became part of the tree.
func (d *Doc) integrate(it Item) bool {
	if _, ok := d.nodes[it.ID]; ok {
		return false
	}
	if _, ok := d.waiting[it.ID]; ok {
		return false
	}

	parent := d.root
	if it.Origin != nil {
		p, ok := d.nodes[*it.Origin]
		if !ok {
			d.pending[*it.Origin] = append(d.pending[*it.Origin], it)
			d.waiting[it.ID] = struct{}{}
			return false
		}
		parent = p
	}
	d.attach(parent, it)

	queue := []ID{it.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		waiters, ok := d.pending[id]
		if !ok {
			continue
		}
		delete(d.pending, id)
		for _, w := range waiters {
			delete(d.waiting, w.ID)
			d.attach(d.nodes[id], w)
			queue = append(queue, w.ID)
		}
	}
	return true
}

func (d *Doc) attach(parent *node, it Item) {
	n := &node{item: it}
	d.nodes[it.ID] = n
	if it.ID.Clock > d.clock {
		d.clock = it.ID.Clock
	}
	i := sort.Search(len(parent.children), func(i int) bool {
		return !parent.children[i].item.ID.after(it.ID)
	})
	parent.children = slices.Insert(parent.children, i, n)
}

// walk visits every character in document order. Typing produces deep
// chains, so the traversal keeps its own stack.
func (d *Doc) walk(fn func(*node)) {
	stack := make([]*node, 0, 16)
	for i := len(d.root.children) - 1; i >= 0; i-- {
		stack = append(stack, d.root.children[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(n)
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
}

func (d *Doc) visible() []*node {
	var vis []*node
	d.walk(func(n *node) {
		if _, gone := d.deleted[n.item.ID]; !gone {
			vis = append(vis, n)
		}
	})
	return vis
}
