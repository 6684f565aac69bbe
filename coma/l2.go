package coma

import "github.com/sarchlab/microgrid/ids"

// State is an L2 line's occupancy state.
type State int

const (
	EMPTY State = iota
	LOADING
	FULL
)

func (s State) String() string {
	switch s {
	case EMPTY:
		return "EMPTY"
	case LOADING:
		return "LOADING"
	case FULL:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// Line is one L2 cache line: state, tag, data, per-byte valid
// bitmap, tokens held locally, dirty flag, an in-flight-UPDATE counter
// that blocks eviction, and an LRU timestamp.
type Line struct {
	State    State
	Tag      ids.MemAddr
	Data     []byte
	Valid    []bool
	Tokens   int
	Dirty    bool
	Updating int
	LRU      uint64
}

// Client is the callback surface an L2 delivers fills, snoops, write
// completions, and invalidations to: every core served by this cache
// (*core.Core) implements it.
type Client interface {
	OnMemoryReadCompleted(addr ids.MemAddr, data []byte)
	OnMemoryWriteCompleted(addr ids.MemAddr, data []byte)
	OnMemorySnooped(addr ids.MemAddr, data []byte)
	OnMemoryInvalidated(addr ids.MemAddr)
}

// L2 is one core group's L2 cache: N processor cores share it over an
// internal bus (the bus itself is out of scope here — D-caches call
// IssueRead/IssueWrite directly, as if arbitration for the shared bus has
// already been won).
type L2 struct {
	lineSize  int
	numCaches int // total L2 caches in the system; also total tokens
	lines     []Line
	tagIndex  map[ids.MemAddr]int
	clock     uint64
	ringOut   *RingBuffer
	selfID    int

	clients     []Client
	completions []Message // writes finished locally, delivered next ring step
}

// NewL2 creates an L2 cache with numLines slots of lineSize bytes each,
// participating in a system with numCaches total L2 caches (and therefore
// numCaches total tokens).
func NewL2(id, numLines, lineSize, numCaches int, ringOut *RingBuffer) *L2 {
	return &L2{
		selfID:    id,
		lineSize:  lineSize,
		numCaches: numCaches,
		lines:     make([]Line, numLines),
		tagIndex:  make(map[ids.MemAddr]int),
		ringOut:   ringOut,
	}
}

func (l *L2) lineTag(addr ids.MemAddr) ids.MemAddr {
	return addr / ids.MemAddr(l.lineSize) * ids.MemAddr(l.lineSize)
}

// RegisterClient subscribes client to this cache's fill/snoop/completion
// callbacks.
func (l *L2) RegisterClient(client Client) {
	l.clients = append(l.clients, client)
}

// UnregisterClient removes a previously registered client.
func (l *L2) UnregisterClient(client Client) {
	for i, c := range l.clients {
		if c == client {
			l.clients = append(l.clients[:i], l.clients[i+1:]...)
			return
		}
	}
}

// IssueRead handles a read-miss request arriving from a D-cache: on a
// cache hit with any tokens held, the read is immediate; on a miss, a
// REQUEST is inserted onto the ring and the line sits in LOADING until
// the reply returns.
func (l *L2) IssueRead(addr ids.MemAddr, size int) bool {
	tag := l.lineTag(addr)
	l.clock++

	if idx, ok := l.tagIndex[tag]; ok {
		line := &l.lines[idx]
		if line.State == FULL {
			line.LRU = l.clock
			return true
		}
		return true // already LOADING; caller's D-cache queued itself
	}

	idx, ok := l.allocateLine(tag)
	if !ok {
		return false
	}
	if !l.ringOut.Insert(Message{Type: REQUEST, Addr: tag, RequesterID: l.selfID}) {
		l.lines[idx] = Line{}
		delete(l.tagIndex, tag)
		return false
	}
	return true
}

// IssueWrite handles a store from a D-cache: if the line already holds
// every token it completes immediately; otherwise an UPDATE circulates,
// during which the updating counter blocks eviction.
func (l *L2) IssueWrite(addr ids.MemAddr, data []byte) bool {
	tag := l.lineTag(addr)
	idx, ok := l.tagIndex[tag]
	if !ok {
		return false
	}
	line := &l.lines[idx]
	if line.Tokens == l.numCaches {
		offset := int(addr - tag)
		copy(line.Data[offset:], data)
		line.Dirty = true
		l.completions = append(l.completions, Message{Addr: addr, Data: data})
		return true
	}

	line.Updating++
	return l.ringOut.Insert(Message{Type: UPDATE, Addr: addr, Data: data, Sender: l.selfID})
}

func (l *L2) allocateLine(tag ids.MemAddr) (int, bool) {
	for i := range l.lines {
		if l.lines[i].State == EMPTY {
			l.lines[i] = Line{State: LOADING, Tag: tag, Data: make([]byte, l.lineSize), Valid: make([]bool, l.lineSize)}
			l.tagIndex[tag] = i
			return i, true
		}
	}

	victim := -1
	var oldest uint64 = ^uint64(0)
	for i := range l.lines {
		ln := &l.lines[i]
		if ln.State == FULL && ln.Updating == 0 && ln.LRU < oldest {
			oldest = ln.LRU
			victim = i
		}
	}
	if victim == -1 {
		return 0, false
	}

	evicted := l.lines[victim]
	l.ringOut.Insert(Message{Type: EVICTION, Addr: evicted.Tag, Tokens: evicted.Tokens, Dirty: evicted.Dirty, Data: evicted.Data})
	delete(l.tagIndex, evicted.Tag)
	l.lines[victim] = Line{State: LOADING, Tag: tag, Data: make([]byte, l.lineSize), Valid: make([]bool, l.lineSize)}
	l.tagIndex[tag] = victim
	return victim, true
}

// OnRequestDataToken completes a pending read: the line becomes FULL with
// the delivered data and tokens.
func (l *L2) OnRequestDataToken(msg Message) {
	idx, ok := l.tagIndex[msg.Addr]
	if !ok {
		return
	}
	line := &l.lines[idx]
	copy(line.Data, msg.Data)
	for i := range line.Valid {
		line.Valid[i] = true
	}
	line.State = FULL
	line.Tokens += msg.Tokens
	line.LRU = l.clock

	for _, c := range l.clients {
		c.OnMemoryReadCompleted(msg.Addr, line.Data)
	}
}

// YieldToken gives up one of this cache's surplus tokens together with the
// line's data, so a peer's read request can be served without a DDR round
// trip. A cache holding a single token keeps it: a token must stay with
// every live copy.
func (l *L2) YieldToken(addr ids.MemAddr) ([]byte, bool) {
	tag := l.lineTag(addr)
	idx, ok := l.tagIndex[tag]
	if !ok {
		return nil, false
	}
	line := &l.lines[idx]
	if line.State != FULL || line.Tokens < 2 {
		return nil, false
	}
	line.Tokens--
	return line.Data, true
}

// ApplyUpdate applies a circulating UPDATE's bytes to this cache's copy of
// the line, if held. The sender's own copy confirms the write (dirty,
// update counter released, clients told the write completed); every other
// holder just observes the new bytes as a snoop.
func (l *L2) ApplyUpdate(msg Message, sender bool) {
	tag := l.lineTag(msg.Addr)
	idx, ok := l.tagIndex[tag]
	if !ok {
		return
	}
	line := &l.lines[idx]
	if line.State != FULL {
		return
	}

	offset := int(msg.Addr - tag)
	copy(line.Data[offset:], msg.Data)

	if sender {
		line.Dirty = true
		if line.Updating > 0 {
			line.Updating--
		}
		l.completions = append(l.completions, Message{Addr: msg.Addr, Data: msg.Data})
		return
	}
	for _, c := range l.clients {
		c.OnMemorySnooped(msg.Addr, msg.Data)
	}
}

// DrainCompletions delivers every locally finished write to this cache's
// clients. Completions queue instead of firing inside IssueWrite so the
// issuing D-cache has recorded its pending write before the confirmation
// arrives.
func (l *L2) DrainCompletions() {
	completions := l.completions
	l.completions = nil
	for _, m := range completions {
		for _, c := range l.clients {
			c.OnMemoryWriteCompleted(m.Addr, m.Data)
		}
	}
}

// OnEviction merges an evicted peer line into this cache if held FULL, or
// injects it into an EMPTY slot; otherwise the caller must forward it
// along the ring.
func (l *L2) OnEviction(msg Message) (forward bool) {
	if idx, ok := l.tagIndex[msg.Addr]; ok {
		line := &l.lines[idx]
		if line.State == FULL {
			line.Tokens += msg.Tokens
			line.Dirty = line.Dirty || msg.Dirty
			return false
		}
	}

	for i := range l.lines {
		if l.lines[i].State == EMPTY {
			l.lines[i] = Line{
				State:  FULL,
				Tag:    msg.Addr,
				Data:   msg.Data,
				Valid:  make([]bool, l.lineSize),
				Tokens: msg.Tokens,
				Dirty:  msg.Dirty,
				LRU:    l.clock,
			}
			for j := range l.lines[i].Valid {
				l.lines[i].Valid[j] = true
			}
			l.tagIndex[msg.Addr] = i
			return false
		}
	}
	return true
}

// CompleteUpdate clears the in-flight update counter on a line once its
// UPDATE message has completed its loop around the ring back to the
// sender, letting the line become evictable again.
func (l *L2) CompleteUpdate(addr ids.MemAddr) {
	tag := l.lineTag(addr)
	idx, ok := l.tagIndex[tag]
	if !ok {
		return
	}
	line := &l.lines[idx]
	if line.Updating > 0 {
		line.Updating--
	}
}

// TotalTokens returns the tokens this cache holds for addr's line (0 if
// the line is not present), for the system-wide conservation check (tokens in caches plus in-flight
// messages must equal numCaches per line).
func (l *L2) TotalTokens(addr ids.MemAddr) int {
	tag := l.lineTag(addr)
	if idx, ok := l.tagIndex[tag]; ok {
		return l.lines[idx].Tokens
	}
	return 0
}
