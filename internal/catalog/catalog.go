package catalog

// Package catalog provides the in-memory tool index.
// Each server owns one entry that is replaced whole on refresh; readers work
// on an immutable snapshot swapped atomically, so a lookup never observes a
// half-updated entry.

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// DefaultTTL is how long a server's tool list is trusted without re-discovery
const DefaultTTL = 5 * time.Minute

// Entry is the tool list last fetched from one server
type Entry struct {
	Server    string
	Tools     []types.ToolDescriptor
	FetchedAt time.Time
	ExpiresAt time.Time

	seq uint64
}

// Fresh reports whether the entry may be served without contacting the server
func (e *Entry) Fresh(now time.Time) bool {
	return e != nil && now.Before(e.ExpiresAt)
}

type route struct {
	tool  types.ToolDescriptor
	entry *Entry
}

type snapshot struct {
	entries map[string]*Entry
	index   map[string]route
}

var emptySnapshot = &snapshot{
	entries: map[string]*Entry{},
	index:   map[string]route{},
}

// Catalog indexes tools by name across servers.
// Name collisions are resolved in favour of the most recently stored entry.
type Catalog struct {
	ttl time.Duration
	now func() time.Time

	writeMu sync.Mutex
	seq     uint64
	snap    atomic.Pointer[snapshot]
}

// New creates an empty catalog. A zero ttl uses DefaultTTL, a nil now uses time.Now.
func New(ttl time.Duration, now func() time.Time) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	c := &Catalog{ttl: ttl, now: now}
	c.snap.Store(emptySnapshot)
	return c
}

// TTL returns the entry lifetime
func (c *Catalog) TTL() time.Duration {
	return c.ttl
}

// Put replaces the entry of server with tools
func (c *Catalog) Put(server string, tools []types.ToolDescriptor) *Entry {
	now := c.now()
	copied := make([]types.ToolDescriptor, len(tools))
	for i, t := range tools {
		t.ServerName = server
		copied[i] = t
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.seq++
	entry := &Entry{
		Server:    server,
		Tools:     copied,
		FetchedAt: now,
		ExpiresAt: now.Add(c.ttl),
		seq:       c.seq,
	}

	c.update(func(entries map[string]*Entry) {
		entries[server] = entry
	})
	return entry
}

// Invalidate removes the entry of server. Returns false if there was none.
func (c *Catalog) Invalidate(server string) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, ok := c.snap.Load().entries[server]; !ok {
		return false
	}
	c.update(func(entries map[string]*Entry) {
		delete(entries, server)
	})
	return true
}

// Clear removes every entry
func (c *Catalog) Clear() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.snap.Store(emptySnapshot)
}

// update copies the entry map, applies fn and publishes a rebuilt snapshot.
// Callers hold writeMu.
func (c *Catalog) update(fn func(entries map[string]*Entry)) {
	old := c.snap.Load()
	entries := make(map[string]*Entry, len(old.entries)+1)
	for k, v := range old.entries {
		entries[k] = v
	}
	fn(entries)
	c.snap.Store(buildSnapshot(entries))
}

func buildSnapshot(entries map[string]*Entry) *snapshot {
	ordered := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	index := make(map[string]route)
	for _, e := range ordered {
		for _, t := range e.Tools {
			if prev, ok := index[t.Name]; ok && prev.entry.Server != e.Server {
				log.Warn().
					Str("tool", t.Name).
					Str("previous_server", prev.entry.Server).
					Str("server", e.Server).
					Msg("Tool name collision, latest server wins")
			}
			index[t.Name] = route{tool: t, entry: e}
		}
	}

	return &snapshot{entries: entries, index: index}
}

// Lookup returns the descriptor for tool if its owning entry is fresh
func (c *Catalog) Lookup(tool string) (types.ToolDescriptor, bool) {
	r, ok := c.snap.Load().index[tool]
	if !ok || !r.entry.Fresh(c.now()) {
		return types.ToolDescriptor{}, false
	}
	return r.tool, true
}

// Entry returns the entry of server, fresh or not
func (c *Catalog) Entry(server string) (*Entry, bool) {
	e, ok := c.snap.Load().entries[server]
	return e, ok
}

// IsFresh reports whether server has a non-expired entry
func (c *Catalog) IsFresh(server string) bool {
	e, ok := c.Entry(server)
	return ok && e.Fresh(c.now())
}

// Tools returns every indexed descriptor sorted by name
func (c *Catalog) Tools() []types.ToolDescriptor {
	snap := c.snap.Load()
	out := make([]types.ToolDescriptor, 0, len(snap.index))
	for _, r := range snap.index {
		out = append(out, r.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Export returns the flat catalog handed to tool-selection layers
func (c *Catalog) Export() []types.ToolInfo {
	tools := c.Tools()
	out := make([]types.ToolInfo, len(tools))
	for i, t := range tools {
		out[i] = t.Info()
	}
	return out
}

// Counts returns the number of routable tools per server
func (c *Catalog) Counts() map[string]int {
	snap := c.snap.Load()
	counts := make(map[string]int, len(snap.entries))
	for name := range snap.entries {
		counts[name] = 0
	}
	for _, r := range snap.index {
		counts[r.entry.Server]++
	}
	return counts
}

// Len returns the number of distinct tool names
func (c *Catalog) Len() int {
	return len(c.snap.Load().index)
}

// Servers returns the names of servers with an entry, sorted
func (c *Catalog) Servers() []string {
	snap := c.snap.Load()
	out := make([]string, 0, len(snap.entries))
	for name := range snap.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
