package crdt

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/Tyrowin/docrelay/internal/varbuf"
)

// ErrMalformedUpdate is returned for updates or state vectors that cannot be
// decoded. The document is left untouched.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// Items and deletes in a single update are capped so a forged count cannot
// force a huge allocation.
const maxRecords = 1 << 20

type update struct {
	items   []*item
	deletes []ID
}

func encodeUpdate(items []*item, deletes []ID) []byte {
	w := varbuf.NewWriter(len(items)*8 + len(deletes)*4 + 2)
	w.Uvarint(uint64(len(items)))
	for _, it := range items {
		w.Uvarint(it.id.Client)
		w.Uvarint(it.id.Clock)
		w.Uvarint(it.lamport)
		if it.origin == nil {
			w.Uvarint(0)
		} else {
			w.Uvarint(1)
			w.Uvarint(it.origin.Client)
			w.Uvarint(it.origin.Clock)
		}
		var buf [utf8.UTFMax]byte
		n := utf8.EncodeRune(buf[:], it.r)
		w.Bytes(buf[:n])
	}
	w.Uvarint(uint64(len(deletes)))
	for _, id := range deletes {
		w.Uvarint(id.Client)
		w.Uvarint(id.Clock)
	}
	return w.Result()
}

func decodeUpdate(b []byte) (update, error) {
	r := varbuf.NewReader(b)
	var u update

	n, err := readCount(r)
	if err != nil {
		return update{}, err
	}
	u.items = make([]*item, 0, min(n, 1024))
	for i := uint64(0); i < n; i++ {
		it, err := readItem(r)
		if err != nil {
			return update{}, fmt.Errorf("%w: item %d: %v", ErrMalformedUpdate, i, err)
		}
		u.items = append(u.items, it)
	}

	n, err = readCount(r)
	if err != nil {
		return update{}, err
	}
	u.deletes = make([]ID, 0, min(n, 1024))
	for i := uint64(0); i < n; i++ {
		id, err := readID(r)
		if err != nil {
			return update{}, fmt.Errorf("%w: delete %d: %v", ErrMalformedUpdate, i, err)
		}
		u.deletes = append(u.deletes, id)
	}

	if r.Len() != 0 {
		return update{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, r.Len())
	}
	return u, nil
}

func readCount(r *varbuf.Reader) (uint64, error) {
	n, err := r.Uvarint()
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrMalformedUpdate, err)
	}
	if n > maxRecords || n > uint64(r.Len()) {
		return 0, fmt.Errorf("%w: count %d exceeds payload", ErrMalformedUpdate, n)
	}
	return n, nil
}

func readID(r *varbuf.Reader) (ID, error) {
	client, err := r.Uvarint()
	if err != nil {
		return ID{}, err
	}
	clock, err := r.Uvarint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}

func readItem(r *varbuf.Reader) (*item, error) {
	id, err := readID(r)
	if err != nil {
		return nil, err
	}
	lamport, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if lamport == 0 {
		return nil, errors.New("zero lamport timestamp")
	}

	it := &item{id: id, lamport: lamport}

	hasOrigin, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	switch hasOrigin {
	case 0:
	case 1:
		origin, err := readID(r)
		if err != nil {
			return nil, err
		}
		if origin == id {
			return nil, errors.New("item is its own origin")
		}
		it.origin = &origin
	default:
		return nil, fmt.Errorf("bad origin flag %d", hasOrigin)
	}

	content, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	ch, size := utf8.DecodeRune(content)
	if ch == utf8.RuneError || size != len(content) {
		return nil, errors.New("content is not a single utf-8 rune")
	}
	it.r = ch
	return it, nil
}

func encodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for c, n := range sv {
		if n > 0 {
			clients = append(clients, c)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	w := varbuf.NewWriter(len(clients)*4 + 1)
	w.Uvarint(uint64(len(clients)))
	for _, c := range clients {
		w.Uvarint(c)
		w.Uvarint(sv[c])
	}
	return w.Result()
}

// DecodeStateVector parses a state vector. An empty input is treated as the
// empty vector.
func DecodeStateVector(b []byte) (map[uint64]uint64, error) {
	sv := make(map[uint64]uint64)
	if len(b) == 0 {
		return sv, nil
	}

	r := varbuf.NewReader(b)
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		client, err := r.Uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector entry %d: %v", ErrMalformedUpdate, i, err)
		}
		count, err := r.Uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector entry %d: %v", ErrMalformedUpdate, i, err)
		}
		sv[client] = count
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in state vector", ErrMalformedUpdate, r.Len())
	}
	return sv, nil
}
