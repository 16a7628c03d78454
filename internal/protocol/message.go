package protocol

import "fmt"

// Kind is the top-level message kind.
type Kind uint64

const (
	KindSync      Kind = 0
	KindAwareness Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// SyncKind is the sub-kind of a sync message.
type SyncKind uint64

const (
	SyncStep1  SyncKind = 0
	SyncStep2  SyncKind = 1
	SyncUpdate SyncKind = 2
)

func (s SyncKind) String() string {
	switch s {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("sync(%d)", uint64(s))
	}
}

// Message is a decoded frame. Sync is meaningful only when Kind is KindSync.
// Payload aliases the frame it was decoded from.
type Message struct {
	Kind    Kind
	Sync    SyncKind
	Payload []byte
}

// Label names the message for logs and metrics, e.g. "sync/update".
func (m Message) Label() string {
	if m.Kind == KindSync {
		return m.Kind.String() + "/" + m.Sync.String()
	}
	return m.Kind.String()
}
