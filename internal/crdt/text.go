package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrOutOfRange is returned by local edits addressing positions outside the
// visible text.
var ErrOutOfRange = errors.New("crdt: position out of range")

// ErrTooManyPending is returned when an update would leave more items or
// deletes waiting for dependencies than a document holds. The waiting part
// of that update is dropped; everything that could be integrated is kept.
var ErrTooManyPending = errors.New("crdt: too many pending dependencies")

const (
	maxPendingItems   = 1 << 16
	maxPendingDeletes = 1 << 16
)

// Doc is one replica of a shared text. It is not safe for concurrent use;
// callers serialize access.
type Doc struct {
	clientID uint64
	lamport  uint64

	// head is a sentinel; the text is the list head.next, head.next.next...
	head    *item
	byID    map[ID]*item
	sv      map[uint64]uint64
	visible int

	// pending holds received items by client and clock until they can be
	// integrated. waiting indexes the items whose missing origin blocks them.
	pending        map[uint64]map[uint64]*item
	nPending       int
	waiting        map[ID][]*item
	pendingDeletes map[ID]struct{}
}

// NewDoc returns an empty replica. clientID must be unique among the
// replicas that edit the text; a replica that only relays may use 0.
func NewDoc(clientID uint64) *Doc {
	return &Doc{
		clientID:       clientID,
		head:           &item{},
		byID:           make(map[ID]*item),
		sv:             make(map[uint64]uint64),
		pending:        make(map[uint64]map[uint64]*item),
		waiting:        make(map[ID][]*item),
		pendingDeletes: make(map[ID]struct{}),
	}
}

// ClientID returns the id stamped on locally inserted items.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// String returns the visible text.
func (d *Doc) String() string {
	var b strings.Builder
	for it := d.head.next; it != nil; it = it.next {
		if !it.deleted {
			b.WriteRune(it.r)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	return d.visible
}

// Pending reports how many received items and deletes are waiting for their
// dependencies.
func (d *Doc) Pending() int {
	return d.nPending + len(d.pendingDeletes)
}

// Insert places text before the rune currently at index and returns the
// update describing the edit.
func (d *Doc) Insert(index int, text string) ([]byte, error) {
	if index < 0 || index > d.visible {
		return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, index, d.visible)
	}
	if !utf8.ValidString(text) {
		return nil, errors.New("crdt: insert text is not valid utf-8")
	}

	var origin *ID
	if index > 0 {
		id := d.visibleAt(index - 1).id
		origin = &id
	}

	created := make([]*item, 0, utf8.RuneCountInString(text))
	for _, ch := range text {
		d.lamport++
		it := &item{
			id:      ID{Client: d.clientID, Clock: d.sv[d.clientID]},
			lamport: d.lamport,
			origin:  origin,
			r:       ch,
		}
		d.integrate(it)
		created = append(created, it)
		id := it.id
		origin = &id
	}
	return encodeUpdate(created, nil), nil
}

// Delete removes length visible runes starting at index and returns the
// update describing the edit.
func (d *Doc) Delete(index, length int) ([]byte, error) {
	if index < 0 || length < 0 || index+length > d.visible {
		return nil, fmt.Errorf("%w: delete %d+%d, length %d", ErrOutOfRange, index, length, d.visible)
	}

	deleted := make([]ID, 0, length)
	pos := 0
	for it := d.head.next; it != nil && pos < index+length; it = it.next {
		if it.deleted {
			continue
		}
		if pos >= index {
			d.markDeleted(it)
			deleted = append(deleted, it.id)
		}
		pos++
	}
	return encodeUpdate(nil, deleted), nil
}

// ApplyUpdate merges an update produced by any replica. Applying the same
// update more than once, or updates in any order, yields the same text.
func (d *Doc) ApplyUpdate(b []byte) error {
	_, err := d.ApplyUpdateChanged(b)
	return err
}

// ApplyUpdateChanged is ApplyUpdate that also reports whether the update
// carried any item or delete this replica did not already hold.
func (d *Doc) ApplyUpdateChanged(b []byte) (bool, error) {
	u, err := decodeUpdate(b)
	if err != nil {
		return false, err
	}
	changed := false

	var added []*item
	touched := make(map[uint64]struct{})
	for _, it := range u.items {
		if it.id.Clock < d.sv[it.id.Client] || d.pending[it.id.Client][it.id.Clock] != nil {
			continue
		}
		d.addPending(it)
		added = append(added, it)
		touched[it.id.Client] = struct{}{}
	}

	var deferred []ID
	for _, id := range u.deletes {
		if it, ok := d.byID[id]; ok {
			if d.markDeleted(it) {
				changed = true
			}
			continue
		}
		if _, ok := d.pendingDeletes[id]; ok {
			continue
		}
		d.pendingDeletes[id] = struct{}{}
		deferred = append(deferred, id)
	}

	// Only the next expected clock of a client can be ready; the rest of
	// its queue follows from there.
	heads := make([]*item, 0, len(touched))
	for client := range touched {
		if it := d.pending[client][d.sv[client]]; it != nil {
			heads = append(heads, it)
		}
	}
	d.drain(heads)

	var overflow error
	if d.nPending > maxPendingItems {
		for _, it := range added {
			if d.isPending(it) {
				d.removePending(it)
				d.unwait(it)
			}
		}
		overflow = ErrTooManyPending
	}
	if len(d.pendingDeletes) > maxPendingDeletes {
		for _, id := range deferred {
			delete(d.pendingDeletes, id)
		}
		overflow = ErrTooManyPending
	}
	return changed || len(added) > 0 || len(deferred) > 0, overflow
}

// StateVector returns the encoded per-client clock counts of integrated
// items.
func (d *Doc) StateVector() []byte {
	return encodeStateVector(d.sv)
}

// EncodeStateAsUpdate returns an update carrying the whole document.
func (d *Doc) EncodeStateAsUpdate() []byte {
	return d.encodeSince(nil)
}

// EncodeDiff returns the update a replica with the given state vector is
// missing. Deletions are always sent in full.
func (d *Doc) EncodeDiff(stateVector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	return d.encodeSince(sv), nil
}

func (d *Doc) encodeSince(sv map[uint64]uint64) []byte {
	var items []*item
	var deletes []ID
	for it := d.head.next; it != nil; it = it.next {
		if it.id.Clock >= sv[it.id.Client] {
			items = append(items, it)
		}
		if it.deleted {
			deletes = append(deletes, it.id)
		}
	}
	// Causal order: an origin always has a smaller lamport than the items
	// placed after it, and a client's clocks grow with its lamport.
	sort.Slice(items, func(i, j int) bool {
		if items[i].lamport != items[j].lamport {
			return items[i].lamport < items[j].lamport
		}
		return items[i].id.Client < items[j].id.Client
	})

	for id := range d.pendingDeletes {
		deletes = append(deletes, id)
	}
	sort.Slice(deletes, func(i, j int) bool {
		if deletes[i].Client != deletes[j].Client {
			return deletes[i].Client < deletes[j].Client
		}
		return deletes[i].Clock < deletes[j].Clock
	})
	return encodeUpdate(items, deletes)
}

// drain integrates every pending item reachable from queue. Each item is
// examined when its predecessor clock or its origin arrives, so one pass
// costs time linear in the items it integrates.
func (d *Doc) drain(queue []*item) {
	for len(queue) > 0 {
		it := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		if !d.isPending(it) || it.id.Clock != d.sv[it.id.Client] {
			continue
		}
		if it.origin != nil {
			origin, ok := d.byID[*it.origin]
			if !ok {
				d.wait(it)
				continue
			}
			if origin.lamport >= it.lamport {
				// Causality violation; the item can never be ordered
				// consistently so it is discarded.
				d.removePending(it)
				continue
			}
		}

		d.removePending(it)
		d.integrate(it)

		if next := d.pending[it.id.Client][it.id.Clock+1]; next != nil {
			queue = append(queue, next)
		}
		if blocked, ok := d.waiting[it.id]; ok {
			delete(d.waiting, it.id)
			queue = append(queue, blocked...)
		}
	}
}

func (d *Doc) addPending(it *item) {
	byClock := d.pending[it.id.Client]
	if byClock == nil {
		byClock = make(map[uint64]*item)
		d.pending[it.id.Client] = byClock
	}
	byClock[it.id.Clock] = it
	d.nPending++
}

func (d *Doc) isPending(it *item) bool {
	return d.pending[it.id.Client][it.id.Clock] == it
}

func (d *Doc) removePending(it *item) {
	byClock := d.pending[it.id.Client]
	delete(byClock, it.id.Clock)
	if len(byClock) == 0 {
		delete(d.pending, it.id.Client)
	}
	d.nPending--
}

func (d *Doc) wait(it *item) {
	for _, w := range d.waiting[*it.origin] {
		if w == it {
			return
		}
	}
	d.waiting[*it.origin] = append(d.waiting[*it.origin], it)
}

func (d *Doc) unwait(it *item) {
	if it.origin == nil {
		return
	}
	blocked := d.waiting[*it.origin]
	for i, w := range blocked {
		if w == it {
			blocked = append(blocked[:i], blocked[i+1:]...)
			break
		}
	}
	if len(blocked) == 0 {
		delete(d.waiting, *it.origin)
	} else {
		d.waiting[*it.origin] = blocked
	}
}

// integrate links it after its origin, skipping siblings with a larger
// (lamport, client) key.
func (d *Doc) integrate(it *item) {
	left := d.head
	if it.origin != nil {
		left = d.byID[*it.origin]
	}
	for left.next != nil && precedes(left.next.lamport, left.next.id.Client, it.lamport, it.id.Client) {
		left = left.next
	}
	it.next = left.next
	left.next = it

	d.byID[it.id] = it
	d.sv[it.id.Client] = it.id.Clock + 1
	if it.lamport > d.lamport {
		d.lamport = it.lamport
	}

	if _, ok := d.pendingDeletes[it.id]; ok {
		delete(d.pendingDeletes, it.id)
		it.deleted = true
	} else {
		d.visible++
	}
}

func (d *Doc) markDeleted(it *item) bool {
	if it.deleted {
		return false
	}
	it.deleted = true
	d.visible--
	return true
}

func (d *Doc) visibleAt(index int) *item {
	pos := 0
	for it := d.head.next; it != nil; it = it.next {
		if it.deleted {
			continue
		}
		if pos == index {
			return it
		}
		pos++
	}
	return nil
}
