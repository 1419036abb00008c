// Package neighbortable implements the Neighbor Table: a bounded,
// insertion-ordered store of link metrics keyed by short link address.
package neighbortable

// RSSIOffset converts a hardware-specific raw RSSI reading into dBm. The
// default mapping matches the AT86RF233 transceiver the reference source
// was written against: dBm = -94 + 3*raw.
func RSSIOffset(raw int8) int8 {
	return int8(-94 + 3*int16(raw))
}

// Entry is one neighbor's link metrics.
type Entry struct {
	Addr       uint16
	RSSI       int8
	LQI        uint8
	ETX        uint8
	DutyCycled bool

	lastSeen uint64 // logical clock for LRU eviction
}

// Table is the Neighbor Table. The zero value is not usable; use New.
type Table struct {
	capacity int
	entries  []Entry
	clock    uint64
}

// New creates a Table bounded to the given capacity (N).
func New(capacity int) *Table {
	return &Table{capacity: capacity}
}

// Len is the number of known neighbors.
func (t *Table) Len() int { return len(t.entries) }

func (t *Table) indexOf(addr uint16) int {
	for i := range t.entries {
		if t.entries[i].Addr == addr {
			return i
		}
	}
	return -1
}

// Update records an observation from addr. If addr is already known, its
// RSSI and LQI are folded in with an exponential moving average
// (new = (8*old + 2*sample)/10). Otherwise a new entry is created with
// DutyCycled left false (see SetProvisioned) unless the table is full, in
// which case the least-recently-seen entry is evicted to make room.
//
// rssiRaw is the hardware-native reading; it is converted with
// RSSIOffset before storage.
func (t *Table) Update(addr uint16, rssiRaw int8, lqi uint8) {
	t.clock++
	sample := RSSIOffset(rssiRaw)

	if i := t.indexOf(addr); i >= 0 {
		e := &t.entries[i]
		e.RSSI = int8((8*int16(e.RSSI) + 2*int16(sample)) / 10)
		e.LQI = uint8((8*int16(e.LQI) + 2*int16(lqi)) / 10)
		e.lastSeen = t.clock
		return
	}

	if len(t.entries) >= t.capacity {
		t.evictLRU()
	}

	t.entries = append(t.entries, Entry{
		Addr:     addr,
		RSSI:     sample,
		LQI:      lqi,
		lastSeen: t.clock,
	})
}

// evictLRU drops the entry with the oldest lastSeen clock value. Resolves
// the overflow policy the reference source left unspecified.
func (t *Table) evictLRU() {
	if len(t.entries) == 0 {
		return
	}
	oldest := 0
	for i := 1; i < len(t.entries); i++ {
		if t.entries[i].lastSeen < t.entries[oldest].lastSeen {
			oldest = i
		}
	}
	t.entries = append(t.entries[:oldest], t.entries[oldest+1:]...)
}

// IsDutyCycled reports whether addr is a known duty-cycled neighbor. An
// unknown address is treated as not duty-cycled.
func (t *Table) IsDutyCycled(addr uint16) bool {
	if i := t.indexOf(addr); i >= 0 {
		return t.entries[i].DutyCycled
	}
	return false
}

// SetProvisioned records that addr is (or is not) a duty-cycled neighbor,
// populating the field the reference source left as a hardcoded stub.
// The provisioning channel itself (how this fact is learned) is out of
// scope; callers typically wire this to a join/registration handler.
func (t *Table) SetProvisioned(addr uint16, dutyCycled bool) {
	if i := t.indexOf(addr); i >= 0 {
		t.entries[i].DutyCycled = dutyCycled
		return
	}
	if len(t.entries) >= t.capacity {
		t.evictLRU()
	}
	t.clock++
	t.entries = append(t.entries, Entry{Addr: addr, DutyCycled: dutyCycled, lastSeen: t.clock})
}

// Lookup returns a copy of the entry for addr, if known.
func (t *Table) Lookup(addr uint16) (Entry, bool) {
	if i := t.indexOf(addr); i >= 0 {
		return t.entries[i], true
	}
	return Entry{}, false
}

// Entries returns a copy of all known neighbors, in insertion order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
