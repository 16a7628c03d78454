package crdt

import "fmt"

// ID identifies one item.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

type item struct {
	id      ID
	lamport uint64
	origin  *ID
	r       rune
	deleted bool
	next    *item
}

// precedes reports whether a sorts before b among siblings of one origin:
// larger keys come first.
func precedes(aLamport, aClient, bLamport, bClient uint64) bool {
	if aLamport != bLamport {
		return aLamport > bLamport
	}
	return aClient > bClient
}
