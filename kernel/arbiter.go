package kernel

import "sort"

// ArbitratedService guards a shared resource that more than one process may
// try to use in the same cycle. It is
// declared at component construction with the exact ordered set of
// processes permitted to invoke it. During the acquire phase each permitted
// process may stage at most one request; during the commit phase the
// highest-priority requester is selected and only that process's
// side-effects apply.
type ArbitratedService struct {
	name       string
	priority   []string // process names, highest priority first
	requests   map[string]bool
	winner     string
	hasWinner  bool
}

// NewArbitratedService creates a service with the given priority order
// (index 0 is highest priority).
func NewArbitratedService(name string, priorityOrder []string) *ArbitratedService {
	order := make([]string, len(priorityOrder))
	copy(order, priorityOrder)
	return &ArbitratedService{
		name:     name,
		priority: order,
		requests: make(map[string]bool),
	}
}

func (a *ArbitratedService) Name() string { return a.name }

// Request stages a request from the named process for this cycle. Returns
// false if that process is not in the declared priority list (a programmer
// error the caller should treat as fatal) or already requested.
func (a *ArbitratedService) Request(processName string) bool {
	if !a.isMember(processName) {
		return false
	}
	if a.requests[processName] {
		return false
	}
	a.requests[processName] = true
	return true
}

func (a *ArbitratedService) isMember(name string) bool {
	for _, p := range a.priority {
		if p == name {
			return true
		}
	}
	return false
}

// Arbitrate runs during the commit phase: it picks the highest-priority
// requester among this cycle's staged requests. Call Won after to check a
// given process's outcome.
func (a *ArbitratedService) Arbitrate() {
	a.hasWinner = false
	a.winner = ""
	for _, name := range a.priority {
		if a.requests[name] {
			a.winner = name
			a.hasWinner = true
			break
		}
	}
}

// Won reports whether processName was this cycle's arbitration winner.
// Valid only after Arbitrate has run.
func (a *ArbitratedService) Won(processName string) bool {
	return a.hasWinner && a.winner == processName
}

// Reset clears this cycle's staged requests and winner, ready for the next
// cycle's acquire phase.
func (a *ArbitratedService) Reset() {
	for k := range a.requests {
		delete(a.requests, k)
	}
	a.winner = ""
	a.hasWinner = false
}

// CyclicArbitratedPort wraps an ArbitratedService and rotates the priority
// order by one position after every cycle that had a winner, giving every
// participating process a turn at the head of the line over time.
type CyclicArbitratedPort struct {
	*ArbitratedService
}

// NewCyclicArbitratedPort creates a fairness-rotating arbitrated service.
func NewCyclicArbitratedPort(name string, priorityOrder []string) *CyclicArbitratedPort {
	return &CyclicArbitratedPort{ArbitratedService: NewArbitratedService(name, priorityOrder)}
}

// Arbitrate picks a winner as ArbitratedService does, then rotates the
// winner to the back of the priority list for next cycle.
func (c *CyclicArbitratedPort) Arbitrate() {
	c.ArbitratedService.Arbitrate()
	if !c.hasWinner {
		return
	}
	rotated := make([]string, 0, len(c.priority))
	for _, p := range c.priority {
		if p != c.winner {
			rotated = append(rotated, p)
		}
	}
	rotated = append(rotated, c.winner)
	c.priority = rotated
}

// SortedPriority returns a stable, sorted copy of the participating process
// names — useful for deterministic test assertions and diagnostic dumps.
func (a *ArbitratedService) SortedPriority() []string {
	out := make([]string, len(a.priority))
	copy(out, a.priority)
	sort.Strings(out)
	return out
}
