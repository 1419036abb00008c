package neighbortable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRSSIOffset(t *testing.T) {
	assert.Equal(t, int8(-94), RSSIOffset(0))
	assert.Equal(t, int8(-91), RSSIOffset(1))
	assert.Equal(t, int8(-64), RSSIOffset(10))
}

func TestUpdateInsertsUnknownNeighbor(t *testing.T) {
	tbl := New(4)
	tbl.Update(0x0101, 10, 200)

	e, ok := tbl.Lookup(0x0101)
	require := assert.New(t)
	require.True(ok)
	require.Equal(uint16(0x0101), e.Addr)
	require.Equal(RSSIOffset(10), e.RSSI)
	require.Equal(uint8(200), e.LQI)
	require.False(e.DutyCycled, "Update must never flip DutyCycled on a fresh entry")
}

func TestUpdateFoldsRepeatObservationsWithEMA(t *testing.T) {
	tbl := New(4)
	tbl.Update(0x0101, 0, 100) // RSSI -94
	tbl.Update(0x0101, 10, 100) // RSSI sample -64

	e, ok := tbl.Lookup(0x0101)
	assert.True(t, ok)
	want := int8((8*int16(RSSIOffset(0)) + 2*int16(RSSIOffset(10))) / 10)
	assert.Equal(t, want, e.RSSI)
}

func TestUpdateEvictsLeastRecentlySeenWhenFull(t *testing.T) {
	tbl := New(2)
	tbl.Update(0x0101, 0, 0)
	tbl.Update(0x0202, 0, 0)
	tbl.Update(0x0303, 0, 0) // must evict 0x0101, the oldest

	assert.Equal(t, 2, tbl.Len())
	_, ok := tbl.Lookup(0x0101)
	assert.False(t, ok)
	_, ok = tbl.Lookup(0x0202)
	assert.True(t, ok)
	_, ok = tbl.Lookup(0x0303)
	assert.True(t, ok)
}

func TestUpdateRefreshesLastSeenPreventingEviction(t *testing.T) {
	tbl := New(2)
	tbl.Update(0x0101, 0, 0)
	tbl.Update(0x0202, 0, 0)
	tbl.Update(0x0101, 0, 0) // refresh 0x0101; 0x0202 is now the oldest
	tbl.Update(0x0303, 0, 0)

	_, ok := tbl.Lookup(0x0202)
	assert.False(t, ok)
	_, ok = tbl.Lookup(0x0101)
	assert.True(t, ok)
}

func TestIsDutyCycledUnknownAddrIsFalse(t *testing.T) {
	tbl := New(4)
	assert.False(t, tbl.IsDutyCycled(0xBEEF))
}

func TestSetProvisionedMarksExistingEntry(t *testing.T) {
	tbl := New(4)
	tbl.Update(0x0101, 0, 0)
	tbl.SetProvisioned(0x0101, true)
	assert.True(t, tbl.IsDutyCycled(0x0101))
}

func TestSetProvisionedCreatesEntryWhenUnknown(t *testing.T) {
	tbl := New(4)
	tbl.SetProvisioned(0x0101, true)
	assert.True(t, tbl.IsDutyCycled(0x0101))
	e, ok := tbl.Lookup(0x0101)
	assert.True(t, ok)
	assert.Equal(t, uint16(0x0101), e.Addr)
}

func TestEntriesReturnsInsertionOrder(t *testing.T) {
	tbl := New(4)
	tbl.Update(0x0101, 0, 0)
	tbl.Update(0x0202, 0, 0)
	tbl.Update(0x0303, 0, 0)

	entries := tbl.Entries()
	require := assert.New(t)
	require.Len(entries, 3)
	require.Equal(uint16(0x0101), entries[0].Addr)
	require.Equal(uint16(0x0202), entries[1].Addr)
	require.Equal(uint16(0x0303), entries[2].Addr)
}
