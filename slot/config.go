package slot

import (
	"encoding/json"
	"fmt"
	"os"
)

// fileConfig mirrors the on-disk slot configuration format: a flat list
// of statically assigned slots, each keyed by the physical USB path
// (slot_key) a hotplug event reports.
type fileConfig struct {
	Slots []struct {
		Label   string `json:"label"`
		SlotKey string `json:"slot_key"`
		TCPPort int    `json:"tcp_port"`
	} `json:"slots"`
}

// Store is the in-memory registry of configured slots, indexed both by
// slot key (what hotplug events and the API address a slot by) and by
// label (for log-friendly lookups).
type Store struct {
	byKey   map[string]*Slot
	byLabel map[string]*Slot
}

// Empty returns a Store with no configured slots, for callers that need a
// usable Store after a configuration load failure.
func Empty() *Store {
	return &Store{byKey: map[string]*Slot{}, byLabel: map[string]*Slot{}}
}

// LoadFile reads a slot configuration file and builds a Store from it. A
// missing file yields an empty, usable Store rather than an error: a
// freshly installed portal has no slots configured yet.
func LoadFile(path string) (*Store, error) {
	store := &Store{byKey: map[string]*Slot{}, byLabel: map[string]*Slot{}}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("slot: read %s: %w", path, err)
	}

	var cfg fileConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("slot: parse %s: %w", path, err)
	}

	for _, sc := range cfg.Slots {
		s := New(sc.Label, sc.SlotKey, sc.TCPPort)
		store.byKey[sc.SlotKey] = s
		store.byLabel[sc.Label] = s
	}
	return store, nil
}

// ByKey looks up a slot by its slot_key (physical USB path identity).
func (st *Store) ByKey(key string) (*Slot, bool) {
	s, ok := st.byKey[key]
	return s, ok
}

// All returns every configured slot, in no particular order.
func (st *Store) All() []*Slot {
	out := make([]*Slot, 0, len(st.byKey))
	for _, s := range st.byKey {
		out = append(out, s)
	}
	return out
}

// Len reports how many slots are configured.
func (st *Store) Len() int { return len(st.byKey) }
