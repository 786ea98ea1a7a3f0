package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nand "github.com/akmistry/nandpart"
	"github.com/akmistry/nandpart/badblock"
	"github.com/akmistry/nandpart/client"
	"github.com/akmistry/nandpart/simnand"
)

func testGeometry() nand.Geometry {
	return nand.Geometry{PageSize: 16, PagesPerBlock: 64, NumBlocks: 256, OobSize: 8}
}

func newTestPartition(t *testing.T, entry nand.PartitionEntry) (*Partition, *client.Client, *badblock.Store) {
	t.Helper()
	geo := testGeometry()
	ctrl := simnand.New(geo)
	c := client.New(ctrl, nil)
	store := badblock.New(c, nand.BadBlockConfig{TableStartBlock: 250, TableEndBlock: 253}, nil)
	require.NoError(t, store.Seed())
	return New(entry, c, store, nil), c, store
}

// TestReadAddressTranslation confirms a partition-local read offset is
// rewritten to the device-global page (first_block*pages_per_block + the
// local offset) before reaching the controller.
func TestReadAddressTranslation(t *testing.T) {
	geo := testGeometry()
	ctrl := simnand.New(geo)
	c := client.New(ctrl, nil)
	store := badblock.New(c, nand.BadBlockConfig{TableStartBlock: 250, TableEndBlock: 253}, nil)
	require.NoError(t, store.Seed())

	entry := nand.PartitionEntry{Name: "p", FirstBlock: 100, LastBlock: 149}
	p := New(entry, c, store, nil)

	var captured *nand.Op
	done := make(chan struct{})
	op := &nand.Op{
		Command:    nand.CommandRead,
		Variant:    nand.VariantRW,
		OffsetNand: 5,
		Completion: func(o *nand.Op, status error) {
			captured = o
			close(done)
		},
	}
	p.Submit(op)
	<-done
	assert.Equal(t, uint32(6405), captured.OffsetNand)
	assert.Same(t, op, captured)
}

// TestEraseAddressTranslation confirms a partition-local erase reaches the
// device-global block (first_block + partition's first_block), by writing
// data at that global page, erasing through the partition, then checking
// the data was actually wiped.
func TestEraseAddressTranslation(t *testing.T) {
	p, c, _ := newTestPartition(t, nand.PartitionEntry{Name: "p", FirstBlock: 10, LastBlock: 19})

	globalPage := uint32(12)*64 + 3 // block 12 == local block 2
	require.NoError(t, c.WritePage(globalPage, []byte("0123456789abcdef"), nil))

	done := make(chan error, 1)
	p.Submit(&nand.Op{
		Command:    nand.CommandErase,
		FirstBlock: 2,
		Completion: func(_ *nand.Op, status error) { done <- status },
	})
	require.NoError(t, <-done)

	out := make([]byte, 16)
	require.NoError(t, c.ReadPage(globalPage, out, nil))
	assert.Equal(t, make([]byte, 16), out)
}

func TestUnsupportedCommandCompletesSynchronously(t *testing.T) {
	p, _, _ := newTestPartition(t, nand.PartitionEntry{Name: "p", FirstBlock: 0, LastBlock: 9})

	var gotErr error
	done := make(chan struct{})
	p.Submit(&nand.Op{
		Command: nand.Command(99),
		Completion: func(_ *nand.Op, status error) {
			gotErr = status
			close(done)
		},
	})
	<-done
	require.Error(t, gotErr)
	assert.Equal(t, nand.KindNotSupported, nand.KindOf(gotErr))
}

func TestQueryReportsLocalBlockCount(t *testing.T) {
	p, _, _ := newTestPartition(t, nand.PartitionEntry{Name: "p", FirstBlock: 100, LastBlock: 149})

	info, ctxSize := p.Query()
	assert.Equal(t, uint32(50), info.Geometry.NumBlocks)
	assert.Greater(t, ctxSize, 0)
}

func TestGetBadBlocksReturnsLocalIndices(t *testing.T) {
	p, _, store := newTestPartition(t, nand.PartitionEntry{Name: "p", FirstBlock: 100, LastBlock: 149})

	require.NoError(t, store.MarkBlockBad(105))

	blocks, err := p.GetBadBlocks()
	require.NoError(t, err)
	assert.Equal(t, []uint32{5}, blocks)
}

func TestMarkBlockBadUpdatesSharedStore(t *testing.T) {
	p, _, store := newTestPartition(t, nand.PartitionEntry{Name: "p", FirstBlock: 100, LastBlock: 149})

	require.NoError(t, p.MarkBlockBad(3))

	isBad, err := store.IsBlockBad(103)
	require.NoError(t, err)
	assert.True(t, isBad)

	isLocalBad, err := p.IsBlockBad(3)
	require.NoError(t, err)
	assert.True(t, isLocalBad)
}

func TestIsBlockBadRangeChecksAgainstPartitionSize(t *testing.T) {
	p, _, _ := newTestPartition(t, nand.PartitionEntry{Name: "p", FirstBlock: 100, LastBlock: 109})

	_, err := p.IsBlockBad(10)
	require.Error(t, err)
	assert.Equal(t, nand.KindOutOfRange, nand.KindOf(err))
}
