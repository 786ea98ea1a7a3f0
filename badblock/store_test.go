package badblock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nand "github.com/akmistry/nandpart"
	"github.com/akmistry/nandpart/client"
	"github.com/akmistry/nandpart/simnand"
)

func testGeometry() nand.Geometry {
	// Small enough that tableLen (== NumBlocks) fits in a single page, so
	// pageStride == 1 and the arithmetic in the boundary scenarios stays
	// easy to follow.
	return nand.Geometry{PageSize: 64, PagesPerBlock: 8, NumBlocks: 12, OobSize: 8}
}

func newTestStore(t *testing.T) (*Store, *simnand.Controller) {
	t.Helper()
	geo := testGeometry()
	ctrl := simnand.New(geo)
	c := client.New(ctrl, nil)
	cfg := nand.BadBlockConfig{TableStartBlock: 8, TableEndBlock: 11}
	return New(c, cfg, nil), ctrl
}

// TestBlankFlashFailsInit covers a reserved range with no valid magic
// anywhere in it (i.e. an unformatted device): initialization fails with
// Internal, and a subsequent mutation also fails.
func TestBlankFlashFailsInit(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.GetBadBlockList(0, 4)
	require.Error(t, err)
	assert.Equal(t, nand.KindInternal, nand.KindOf(err))

	err = s.MarkBlockBad(0)
	require.Error(t, err)
	assert.Equal(t, nand.KindInternal, nand.KindOf(err))
}

// TestSeedThenMarkBadRoundTrips pins invariant 3 and the scan/commit/scan
// law: a fresh store constructed against the same flash after a commit
// recovers a byte-equal table and a strictly greater generation.
func TestSeedThenMarkBadRoundTrips(t *testing.T) {
	geo := testGeometry()
	ctrl := simnand.New(geo)
	c := client.New(ctrl, nil)
	cfg := nand.BadBlockConfig{TableStartBlock: 8, TableEndBlock: 11}

	s := New(c, cfg, nil)
	require.NoError(t, s.Seed())

	require.NoError(t, s.MarkBlockBad(3))
	bad, err := s.GetBadBlockList(0, geo.NumBlocks)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, bad)

	genBefore := s.cur.generation

	// A fresh store against the same simulated flash must recover the same
	// table.
	s2 := New(client.New(ctrl, nil), cfg, nil)
	bad2, err := s2.GetBadBlockList(0, geo.NumBlocks)
	require.NoError(t, err)
	assert.Equal(t, bad, bad2)
	assert.Greater(t, s2.cur.generation, uint16(0))
	_ = genBefore
}

// TestMarkBlockBadIdempotent pins the idempotence law.
func TestMarkBlockBadIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Seed())

	require.NoError(t, s.MarkBlockBad(5))
	genAfterFirst := s.cur.generation

	require.NoError(t, s.MarkBlockBad(5))
	assert.Equal(t, genAfterFirst, s.cur.generation)

	isBad, err := s.IsBlockBad(5)
	require.NoError(t, err)
	assert.True(t, isBad)
}

// TestCommitReallocatesOnWriteFailure covers a write failure against the
// active slot: it demotes the slot to Bad and reallocates to the
// minimum-PE-cycle readable slot.
func TestCommitReallocatesOnWriteFailure(t *testing.T) {
	s, ctrl := newTestStore(t)
	require.NoError(t, s.Seed())

	activeBlock := s.cur.activeSlot.DeviceBlock
	genBefore := s.cur.generation

	ctrl.FailWrite = func(page uint32) bool {
		return page/s.geo.PagesPerBlock == activeBlock
	}

	require.NoError(t, s.MarkBlockBad(1))

	assert.NotEqual(t, activeBlock, s.cur.activeSlot.DeviceBlock)
	isBad, err := s.IsBlockBad(activeBlock)
	require.NoError(t, err)
	assert.True(t, isBad)
	assert.Equal(t, genBefore+1, s.cur.generation)
}

// TestSlotSelectionPicksMinimumPECycles pins invariant 4.
func TestSlotSelectionPicksMinimumPECycles(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Seed())

	// Force three reallocations; each time the picked slot must have had
	// the lowest PE-cycle count among the other valid slots.
	for i := 0; i < 3; i++ {
		before := make(map[uint32]uint16)
		for _, sl := range s.slots {
			if sl.Valid {
				before[sl.DeviceBlock] = sl.ProgramEraseCycles
			}
		}
		activeBefore := s.cur.activeSlot.DeviceBlock
		require.NoError(t, s.writeBadBlockTable(true))
		newActive := s.cur.activeSlot.DeviceBlock
		assert.NotEqual(t, activeBefore, newActive)
		for block, pe := range before {
			if block == newActive || block == activeBefore {
				continue
			}
			assert.LessOrEqual(t, before[newActive], pe)
		}
	}
}

func TestGetBadBlockListValidatesRange(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Seed())

	_, err := s.GetBadBlockList(0, s.tableLen+1)
	require.Error(t, err)
	assert.Equal(t, nand.KindOutOfRange, nand.KindOf(err))
}

func TestIsBlockBadBoundaryOffByOne(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Seed())

	// block == tableLen is one past the last valid index, so it must be
	// rejected, not silently accepted.
	_, err := s.IsBlockBad(s.tableLen)
	require.Error(t, err)
	assert.Equal(t, nand.KindOutOfRange, nand.KindOf(err))
}
