package relay

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Tyrowin/docrelay/internal/metrics"
)

// DefaultAwarenessCacheSize bounds the presence blobs remembered per room.
const DefaultAwarenessCacheSize = 128

// Options configures a Registry.
type Options struct {
	// NewDocument creates the replica for each new room. Required.
	NewDocument DocumentFactory
	// IdleTTL is how long a room may stay without connections before it is
	// dropped. Zero keeps rooms for the life of the process.
	IdleTTL time.Duration
	// AwarenessCacheSize bounds the presence blobs replayed to new peers.
	AwarenessCacheSize int
	// Clock drives idle eviction. Defaults to the wall clock.
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Registry maps room ids to rooms. At most one live Room exists per id.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	newDoc        DocumentFactory
	idleTTL       time.Duration
	awarenessSize int
	clock         clock.Clock
	metrics       *metrics.Metrics
	log           *slog.Logger

	// onCreate runs outside the registry lock for every new room.
	onCreate func(*Room)
}

// RoomInfo describes a room for diagnostics.
type RoomInfo struct {
	ID    string `json:"id"`
	Peers int    `json:"peers"`
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.NewDocument == nil {
		panic("relay: Options.NewDocument is required")
	}
	if opts.AwarenessCacheSize <= 0 {
		opts.AwarenessCacheSize = DefaultAwarenessCacheSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IdleTTL < 0 {
		opts.IdleTTL = 0
	}

	return &Registry{
		rooms:         make(map[string]*Room),
		newDoc:        opts.NewDocument,
		idleTTL:       opts.IdleTTL,
		awarenessSize: opts.AwarenessCacheSize,
		clock:         opts.Clock,
		metrics:       opts.Metrics,
		log:           opts.Logger,
	}
}

// GetOrCreate returns the room for id, creating it on first use. Concurrent
// callers for the same id always get the same room.
func (g *Registry) GetOrCreate(id string) *Room {
	r, created := g.getOrCreate(id)
	if created && g.onCreate != nil {
		g.onCreate(r)
	}
	return r
}

func (g *Registry) getOrCreate(id string) (*Room, bool) {
	g.mu.RLock()
	r := g.rooms[id]
	g.mu.RUnlock()
	if r != nil {
		return r, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if r = g.rooms[id]; r != nil {
		return r, false
	}

	awareness, err := lru.New[string, []byte](g.awarenessSize)
	if err != nil {
		// Only possible for a non-positive size, which NewRegistry rules out.
		panic(err)
	}
	r = &Room{
		id:        id,
		reg:       g,
		doc:       g.newDoc(id),
		peers:     make(map[Peer]struct{}),
		awareness: awareness,
	}
	r.scheduleIdleLocked()
	g.rooms[id] = r

	g.metrics.RoomCreated()
	g.log.Debug("room created", "room", id, "rooms", len(g.rooms))
	return r, true
}

// Lookup returns the room for id if it is held in memory.
func (g *Registry) Lookup(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

// Len reports how many rooms are held in memory.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Rooms lists the rooms held in memory ordered by id.
func (g *Registry) Rooms() []RoomInfo {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, RoomInfo{ID: r.id, Peers: r.Len()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Join adds p to the room for id and queues the sync handshake for it.
func (g *Registry) Join(id string, p Peer) *Room {
	for {
		r := g.GetOrCreate(id)
		if r.join(p) {
			return r
		}
		// Evicted between lookup and join; the next lookup creates a
		// fresh room.
	}
}

// Leave removes p from the room for id. Unknown rooms and peers are ignored.
func (g *Registry) Leave(id string, p Peer) {
	if r, ok := g.Lookup(id); ok {
		r.leave(p)
	}
}

// Broadcast sends frame to every peer in the room for id except exclude.
// Unknown rooms are ignored.
func (g *Registry) Broadcast(id string, frame []byte, exclude Peer) {
	if r, ok := g.Lookup(id); ok {
		r.Broadcast(frame, exclude)
	}
}

// evict drops r if it is still empty and no join or leave happened since the
// timer identified by gen was armed.
func (g *Registry) evict(r *Room, gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.evicted || r.idleGen != gen || len(r.peers) > 0 {
		return
	}
	r.evicted = true
	r.idleTimer = nil
	r.awareness.Purge()
	if g.rooms[r.id] == r {
		delete(g.rooms, r.id)
	}

	g.metrics.RoomEvicted()
	g.log.Info("room evicted", "room", r.id, "idle", g.idleTTL, "rooms", len(g.rooms))
}
