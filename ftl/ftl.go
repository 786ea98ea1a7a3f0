// Package ftl implements a simple log-structured block remapping layer over
// a partition.Partition tagged nand.ClassFTL. It is adapted from
// github.com/akmistry/flashblock's simpleftl package: the same
// free-list/append-only write strategy, generalized from flashblock.Chip's
// byte-addressed erase blocks to the page+OOB addressing of a NAND
// partition, and bad-block aware (erase blocks the underlying partition
// reports bad are never reused).
//
// This performs no wear-leveling of user data: it picks the next free erase
// block exactly as simpleftl did, with no attempt to balance erase counts.
package ftl

import (
	"container/list"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	nand "github.com/akmistry/nandpart"
	"github.com/akmistry/nandpart/partition"
)

var (
	errUnalignedOffset = errors.New("ftl: unaligned offset")
	errUnalignedLength = errors.New("ftl: unaligned length")
	errNoFreeBlocks    = errors.New("ftl: no free erase blocks")
)

// eraseBlockInfo tracks one erase block of the partition: which logical
// blocks it currently holds, at which page offsets, and where the next page
// write into it goes.
type eraseBlockInfo struct {
	index int64
	// contents maps logical block number -> page offset within this erase
	// block, the same map[int64]int shape simpleftl used (kept as a map
	// rather than a slice since occupancy is sparse until a block fills up).
	contents  map[int64]int
	nextWrite uint32 // next free page offset within this erase block
}

// Ftl is a page-granular FTL over a single partition.Partition. Logical
// addresses are page-sized blocks; ReadAt/WriteAt/Trim all operate on
// page-size-aligned byte ranges the same way simpleftl's Ftl did at its
// own (smaller) block granularity.
type Ftl struct {
	part *partition.Partition
	geo  nand.Geometry

	pageSize       int64
	eraseBlockSize int64
	numLogical     int64

	blockMap    []int64 // logical block -> erase block index, or -1
	eraseBlocks []*eraseBlockInfo

	currentWriteEraseBlock int64
	freeBlocks             list.List

	lock sync.Mutex
	log  *logrus.Entry
}

// New constructs an Ftl over part, whose effective geometry (query'd once
// at construction) determines page and erase-block size. Erase blocks part
// already reports bad are excluded from the free list up front.
func New(part *partition.Partition, log *logrus.Entry) (*Ftl, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	info, _ := part.Query()
	geo := info.Geometry

	f := &Ftl{
		part:                   part,
		geo:                    geo,
		pageSize:               int64(geo.PageSize),
		eraseBlockSize:         int64(geo.EraseBlockSize()),
		numLogical:             int64(geo.NumBlocks) * int64(geo.PagesPerBlock),
		blockMap:               make([]int64, int64(geo.NumBlocks)*int64(geo.PagesPerBlock)),
		eraseBlocks:            make([]*eraseBlockInfo, geo.NumBlocks),
		currentWriteEraseBlock: -1,
		log:                    log.WithField("component", "ftl"),
	}
	for i := range f.blockMap {
		f.blockMap[i] = -1
	}

	badBlocks, err := part.GetBadBlocks()
	if err != nil {
		return nil, err
	}
	bad := make(map[uint32]bool, len(badBlocks))
	for _, b := range badBlocks {
		bad[b] = true
	}

	for i := range f.eraseBlocks {
		ebi := &eraseBlockInfo{index: int64(i), contents: make(map[int64]int)}
		f.eraseBlocks[i] = ebi
		if !bad[uint32(i)] {
			f.freeBlocks.PushBack(ebi)
		}
	}
	f.log.WithFields(logrus.Fields{
		"logical_blocks": f.numLogical,
		"erase_blocks":   len(f.eraseBlocks),
		"bad_at_start":   len(badBlocks),
	}).Info("ftl attached")
	return f, nil
}

func (f *Ftl) submitSync(op *nand.Op) error {
	done := make(chan error, 1)
	op.Completion = func(_ *nand.Op, status error) { done <- status }
	f.part.Submit(op)
	return <-done
}

func (f *Ftl) readPage(page uint32, data []byte) error {
	return f.submitSync(&nand.Op{
		Command: nand.CommandRead, Variant: nand.VariantRW,
		OffsetNand: page, Page: page,
		Data: nand.Payload{Handle: data, Length: uint32(len(data))},
	})
}

func (f *Ftl) writePage(page uint32, data []byte) error {
	return f.submitSync(&nand.Op{
		Command: nand.CommandWrite, Variant: nand.VariantRW,
		OffsetNand: page, Page: page,
		Data: nand.Payload{Handle: data, Length: uint32(len(data))},
	})
}

func (f *Ftl) eraseBlock(block uint32) error {
	return f.submitSync(&nand.Op{Command: nand.CommandErase, FirstBlock: block, NumBlocks: 1})
}

func (f *Ftl) readLogical(p []byte, logical int64) error {
	eraseBlockIdx := f.blockMap[logical]
	if eraseBlockIdx < 0 {
		for i := range p {
			p[i] = 0
		}
		return nil
	}
	ebi := f.eraseBlocks[eraseBlockIdx]
	page, ok := ebi.contents[logical]
	if !ok {
		// blockMap and contents must agree; a mismatch is a logic error in
		// this package, not a caller error.
		for i := range p {
			p[i] = 0
		}
		return nil
	}
	nandPage := uint32(ebi.index)*f.geo.PagesPerBlock + uint32(page)
	return f.readPage(nandPage, p)
}

// ReadAt reads page-aligned logical blocks starting at byte offset off.
func (f *Ftl) ReadAt(p []byte, off int64) (int, error) {
	if off%f.pageSize != 0 {
		return 0, errUnalignedOffset
	} else if int64(len(p))%f.pageSize != 0 {
		return 0, errUnalignedLength
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	n := 0
	for len(p) > 0 {
		logical := off / f.pageSize
		if err := f.readLogical(p[:f.pageSize], logical); err != nil {
			return n, err
		}
		p = p[f.pageSize:]
		n += int(f.pageSize)
		off += f.pageSize
	}
	return n, nil
}

func (f *Ftl) fetchEmptyEraseBlock() *eraseBlockInfo {
	if f.freeBlocks.Len() == 0 {
		return nil
	}
	return f.freeBlocks.Remove(f.freeBlocks.Front()).(*eraseBlockInfo)
}

// fetchWriteBlock returns the erase block new writes should land in,
// rolling over to a fresh free block (erasing it first) when the current
// one is full. If an erase fails, the block is marked bad through the
// partition and a different free block is tried.
func (f *Ftl) fetchWriteBlock() (*eraseBlockInfo, error) {
	var eb *eraseBlockInfo
	if f.currentWriteEraseBlock >= 0 {
		eb = f.eraseBlocks[f.currentWriteEraseBlock]
		if int64(eb.nextWrite) >= f.eraseBlockSize/f.pageSize {
			f.log.WithFields(logrus.Fields{
				"erase_block": eb.index,
				"utilisation": len(eb.contents),
			}).Debug("erase block filled")
			eb = nil
		}
	}

	for eb == nil {
		eb = f.fetchEmptyEraseBlock()
		if eb == nil {
			return nil, errNoFreeBlocks
		}
		if err := f.eraseBlock(uint32(eb.index)); err != nil {
			f.log.WithError(err).WithField("erase_block", eb.index).Warn("erase failed, marking block bad")
			if markErr := f.part.MarkBlockBad(uint32(eb.index)); markErr != nil {
				return nil, markErr
			}
			eb = nil
			continue
		}
		eb.nextWrite = 0
		f.currentWriteEraseBlock = eb.index
	}
	return eb, nil
}

func (f *Ftl) getCurrentBlock(logical int64) *eraseBlockInfo {
	eraseBlockIdx := f.blockMap[logical]
	if eraseBlockIdx < 0 {
		return nil
	}
	return f.eraseBlocks[eraseBlockIdx]
}

func (f *Ftl) freeEraseBlockIfEmpty(ebi *eraseBlockInfo) {
	if len(ebi.contents) > 0 {
		return
	}
	if bad, err := f.part.IsBlockBad(uint32(ebi.index)); err != nil || bad {
		return
	}
	f.log.WithField("erase_block", ebi.index).Debug("erase block empty, returning to free list")
	f.freeBlocks.PushBack(ebi)
}

// WriteAt writes page-aligned logical blocks starting at byte offset off,
// invalidating any prior placement of each logical block before appending
// the new write to the current write erase block.
func (f *Ftl) WriteAt(p []byte, off int64) (int, error) {
	if off%f.pageSize != 0 {
		return 0, errUnalignedOffset
	} else if int64(len(p))%f.pageSize != 0 {
		return 0, errUnalignedLength
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	n := 0
	for len(p) > 0 {
		logical := off / f.pageSize
		if ebi := f.getCurrentBlock(logical); ebi != nil {
			delete(ebi.contents, logical)
			f.freeEraseBlockIfEmpty(ebi)
		}

		ebi, err := f.fetchWriteBlock()
		if err != nil {
			return n, err
		}

		writeOffset := ebi.nextWrite
		ebi.nextWrite++
		nandPage := uint32(ebi.index)*f.geo.PagesPerBlock + writeOffset
		if err := f.writePage(nandPage, p[:f.pageSize]); err != nil {
			f.log.WithError(err).WithField("erase_block", ebi.index).Warn("write failed, marking block bad")
			if markErr := f.part.MarkBlockBad(uint32(ebi.index)); markErr != nil {
				return n, markErr
			}
			f.currentWriteEraseBlock = -1
			continue
		}
		ebi.contents[logical] = int(writeOffset)
		f.blockMap[logical] = ebi.index

		p = p[f.pageSize:]
		n += int(f.pageSize)
		off += f.pageSize
	}
	return n, nil
}

// Trim invalidates the logical blocks in [off, off+length), releasing their
// backing erase block to the free list once it holds no live data.
func (f *Ftl) Trim(off int64, length uint32) error {
	if off%f.pageSize != 0 {
		return errUnalignedOffset
	} else if int64(length)%f.pageSize != 0 {
		return errUnalignedLength
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	for length > 0 {
		logical := off / f.pageSize
		if ebi := f.getCurrentBlock(logical); ebi != nil {
			delete(ebi.contents, logical)
			f.freeEraseBlockIfEmpty(ebi)
		}
		f.blockMap[logical] = -1
		length -= uint32(f.pageSize)
		off += f.pageSize
	}
	return nil
}
