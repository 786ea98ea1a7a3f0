// Package partition implements Partition, a single logical NAND device
// carved out of a parent device's global address space by a PartitionMap
// entry.
package partition

import (
	"github.com/sirupsen/logrus"

	nand "github.com/akmistry/nandpart"
	"github.com/akmistry/nandpart/badblock"
	"github.com/akmistry/nandpart/client"
)

// Info is the effective geometry and metadata a Partition reports via
// Query: the parent's page/oob/block shape, this partition's own block
// count, its type GUID, and its advisory NAND class.
type Info struct {
	Geometry nand.Geometry
	Entry    nand.PartitionEntry
	Class    nand.Class
}

// Partition translates block-local addresses to the parent device's global
// address space and forwards I/O through a shared client.Client. Bad-block
// queries route through a shared badblock.Store, with a local, append-only
// cache of block-local bad indices populated on first use.
//
// Partition holds no lock of its own: its cache is accessed only from the
// goroutine driving a given partition operation. I/O ops are queued straight
// to the parent controller, and bad-block state lives in the shared
// badblock.Store, which serializes access with its own mutex.
type Partition struct {
	entry  nand.PartitionEntry
	geo    nand.Geometry
	client *client.Client
	store  *badblock.Store

	badCache []uint32
	haveBad  bool

	log *logrus.Entry
}

// New constructs a Partition for entry, sharing c and store with every
// other partition on the same device.
func New(entry nand.PartitionEntry, c *client.Client, store *badblock.Store, log *logrus.Entry) *Partition {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Partition{
		entry:  entry,
		geo:    c.Geometry(),
		client: c,
		store:  store,
		log:    log.WithField("partition", entry.Name),
	}
}

// NumBlocks returns this partition's block count (last_block - first_block + 1).
func (p *Partition) NumBlocks() uint32 {
	return p.entry.LastBlock - p.entry.FirstBlock + 1
}

// Query returns this partition's effective geometry and the per-op context
// size a caller must allocate: the parent's context size, rounded up to an
// 8-byte boundary, plus an internal translated-op trailer (mirroring the
// original driver's fbl::round_up(parent_op_size, 8u) + sizeof(nand_op_t)).
func (p *Partition) Query() (Info, int) {
	geo := p.geo
	geo.NumBlocks = p.NumBlocks()

	info := Info{
		Geometry: geo,
		Entry:    p.entry,
		Class:    p.entry.Class(),
	}

	parentOpSize := p.client.OpContextSize()
	roundedParentOpSize := (parentOpSize + 7) &^ 7
	return info, roundedParentOpSize + opTrailerSize
}

// opTrailerSize is the size of the internal translated-op record appended
// after a caller's op context.
const opTrailerSize = 64

// Submit translates op's addressing into the parent device's global space
// and forwards it to the underlying client's controller. Read/Write offsets
// are rewritten by adding first_block*pages_per_block (in pages); Erase
// offsets are rewritten by adding first_block (in blocks). Any other
// command completes synchronously with NotSupported.
//
// The op is rewritten in place and queued with an internal completion; that
// completion restores the caller's callback and cookie on the op before
// invoking the callback with it, so the submitter gets its own op back
// (carrying the device-global address) and the parent's status unchanged.
func (p *Partition) Submit(op *nand.Op) {
	switch op.Command {
	case nand.CommandRead, nand.CommandWrite:
		p.submitRW(op)
	case nand.CommandErase:
		p.submitErase(op)
	default:
		if op.Completion != nil {
			op.Completion(op, nand.NewError("partition.Partition.Submit", nand.KindNotSupported))
		}
	}
}

func (p *Partition) submitRW(op *nand.Op) {
	callback := op.Completion
	cookie := op.Cookie

	op.OffsetNand += p.entry.FirstBlock * p.geo.PagesPerBlock
	op.Page = op.OffsetNand
	op.Completion = func(_ *nand.Op, status error) {
		op.Completion = callback
		op.Cookie = cookie
		if callback != nil {
			callback(op, status)
		}
	}

	p.submitToController(op)
}

func (p *Partition) submitErase(op *nand.Op) {
	callback := op.Completion
	cookie := op.Cookie

	op.FirstBlock += p.entry.FirstBlock
	op.Completion = func(_ *nand.Op, status error) {
		op.Completion = callback
		op.Cookie = cookie
		if callback != nil {
			callback(op, status)
		}
	}

	p.submitToController(op)
}

// submitToController forwards the already-translated op directly to the
// parent controller's queue; Partition.Submit is itself asynchronous, so it
// does not round-trip through the blocking client façade.
func (p *Partition) submitToController(op *nand.Op) {
	p.client.Controller().Queue(op)
}

// GetBadBlocks returns block indices local to this partition's range.
// The local cache is populated on first call, then reused for the
// lifetime of the Partition.
func (p *Partition) GetBadBlocks() ([]uint32, error) {
	if err := p.ensureBadCache(); err != nil {
		return nil, err
	}
	out := make([]uint32, len(p.badCache))
	copy(out, p.badCache)
	return out, nil
}

// IsBlockBad range-checks localBlock against this partition's size,
// populates the cache if absent, then linearly scans it.
func (p *Partition) IsBlockBad(localBlock uint32) (bool, error) {
	const op = "partition.Partition.IsBlockBad"

	if localBlock >= p.NumBlocks() {
		return false, nand.NewError(op, nand.KindOutOfRange)
	}
	if err := p.ensureBadCache(); err != nil {
		return false, err
	}
	for _, b := range p.badCache {
		if b == localBlock {
			return true, nil
		}
	}
	return false, nil
}

// MarkBlockBad range-checks localBlock, appends it to the local cache (if
// not already present), then write-through persists the mark to the shared
// BadBlockStore. Failure to persist is propagated; the local cache mutation
// is not rolled back, so a failed persist leaves the block marked bad
// locally even though the device-wide table was not updated. Only this
// Partition's cache is updated: a Partition whose cache is already
// populated does not see blocks marked bad through the shared store by
// anyone else.
func (p *Partition) MarkBlockBad(localBlock uint32) error {
	const op = "partition.Partition.MarkBlockBad"

	if localBlock >= p.NumBlocks() {
		return nand.NewError(op, nand.KindOutOfRange)
	}
	if err := p.ensureBadCache(); err != nil {
		return err
	}

	already := false
	for _, b := range p.badCache {
		if b == localBlock {
			already = true
			break
		}
	}
	if !already {
		p.badCache = append(p.badCache, localBlock)
	}

	deviceBlock := localBlock + p.entry.FirstBlock
	if err := p.store.MarkBlockBad(deviceBlock); err != nil {
		return nand.WrapError(op, nand.KindIoError, err)
	}
	return nil
}

func (p *Partition) ensureBadCache() error {
	const op = "partition.Partition.ensureBadCache"

	if p.haveBad {
		return nil
	}
	deviceBad, err := p.store.GetBadBlockList(p.entry.FirstBlock, p.entry.LastBlock+1)
	if err != nil {
		return nand.WrapError(op, nand.KindIoError, err)
	}

	local := make([]uint32, len(deviceBad))
	for i, b := range deviceBad {
		local[i] = b - p.entry.FirstBlock
	}
	p.badCache = local
	p.haveBad = true
	return nil
}
