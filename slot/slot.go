// Package slot holds the state machine for one physical device slot: its
// static identity (label, slot key, TCP port) plus the mutable record of
// whatever proxy process is currently supervising it. A slot's identity
// is the physical USB port it occupies, not the devnode or serial number
// of whatever is plugged into it, so re-plugging the same port reuses the
// same slot even if the kernel hands it a new /dev/ttyUSBn.
package slot

import "sync"

// Slot is one statically configured device position.
type Slot struct {
	Label   string
	Key     string
	TCPPort int

	mu        sync.Mutex
	running   bool
	pid       int
	devnode   string
	lastGen   uint64
	lastError string
}

// New creates a Slot in the stopped state.
func New(label, key string, tcpPort int) *Slot {
	return &Slot{Label: label, Key: key, TCPPort: tcpPort}
}

// NextGeneration increments and returns the slot's generation counter.
// The supervisor calls this once per start/stop request, under the
// slot's lock, so every request against a slot gets a monotonically
// increasing generation regardless of whether it ends up doing work.
func (s *Slot) NextGeneration() uint64 {
	s.lastGen++
	return s.lastGen
}

// Lock and Unlock expose the slot's mutex so the supervisor can serialize
// an entire start/stop decision (read state, act, write state) rather
// than just individual field accesses.
func (s *Slot) Lock()   { s.mu.Lock() }
func (s *Slot) Unlock() { s.mu.Unlock() }

// Snapshot is a point-in-time, lock-free copy of a Slot's mutable state
// for read-only consumers (the HTTP facade).
type Snapshot struct {
	Label     string
	Key       string
	TCPPort   int
	Running   bool
	PID       int
	Devnode   string
	Generation uint64
	LastError string
}

// Snapshot takes the slot's lock and copies its current mutable state.
func (s *Slot) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Label:      s.Label,
		Key:        s.Key,
		TCPPort:    s.TCPPort,
		Running:    s.running,
		PID:        s.pid,
		Devnode:    s.devnode,
		Generation: s.lastGen,
		LastError:  s.lastError,
	}
}

// The following accessors/mutators assume the caller already holds the
// slot's lock (via Lock/Unlock); they exist so the supervisor's
// start/stop logic reads as a sequence of named steps instead of direct
// field pokes on an exported struct.

func (s *Slot) Running() bool    { return s.running }
func (s *Slot) PID() int         { return s.pid }
func (s *Slot) Devnode() string  { return s.devnode }
func (s *Slot) LastError() string { return s.lastError }

// MarkRunning records a freshly started (or confirmed still-running)
// proxy process.
func (s *Slot) MarkRunning(pid int, devnode string) {
	s.running = true
	s.pid = pid
	s.devnode = devnode
	s.lastError = ""
}

// MarkStopped clears the running state entirely, including the devnode,
// for an explicit stop or a failed start attempt.
func (s *Slot) MarkStopped(reason string) {
	s.running = false
	s.pid = 0
	s.devnode = ""
	s.lastError = reason
}

// MarkDead clears the running/pid/devnode state after a liveness check
// finds the supervised process gone. Named separately from MarkStopped
// because the supervisor's reap path and its explicit stop path are
// distinct callers, but both must leave the slot in the same
// ¬running ⇒ pid=∅ ∧ devnode=∅ state.
func (s *Slot) MarkDead(reason string) {
	s.MarkStopped(reason)
}
