// Package crdt implements a replicated text sequence that converges under any
// delivery order of its updates.
//
// Every inserted rune is an item identified by (client, clock), where clock
// counts the items a client has produced. Items are ordered with RGA
// semantics: an item is placed right after its origin, skipping any sibling
// with a larger (lamport, client) key. An item integrates only once its
// origin and every earlier clock of its client are present; until then it
// waits in a pending set, so applying updates twice or out of order is
// harmless. Pending items are queued per client and woken when the clock or
// origin they wait for arrives; the backlog is bounded.
//
// Update layout (all integers are unsigned varints):
//
//	update := nItems , item* , nDeletes , (client , clock)*
//	item   := client , clock , lamport , hasOrigin , [originClient , originClock] , len , utf8
//
// State vector layout: n , (client , count)* ordered by client.
package crdt
