// Package simnand implements an in-memory nand.Controller used by tests and
// cmds/nandpartd. It is adapted from github.com/akmistry/flashblock's
// Chip/EraseBlock/ReadWriterAt design (a byte-addressed erase-block store
// backed by a ReaderAt/WriterAt), generalized to page+OOB storage and the
// Controller.Queue async protocol instead of a synchronous byte-range API.
package simnand

import (
	"sync"

	nand "github.com/akmistry/nandpart"
)

// opContextSize is reported by Query as the per-op context a caller must
// allocate alongside an Op. simnand has no hardware context of its own, but
// reports a small nonzero size so callers exercise the same rounding-up
// arithmetic (Partition.Query) a real controller would require.
const opContextSize = 16

// pageState is one page's data+OOB backing storage. A never-written page
// reads as all zero, mirroring blank NAND, since both slices start and are
// reset (by erase) to their zero value.
type pageState struct {
	data []byte
	oob  []byte
}

// Controller is a fully in-memory nand.Controller: each erase block is a
// slice of pages, each page a data+OOB buffer. Erase zeros every page in a
// block; Queue dispatches synchronously, since nothing requires the
// simulator itself to run concurrently — only that callers treat it as an
// async Controller.
//
// FailWrite, FailRead and FailErase (if non-nil) let tests inject the
// per-page/per-block I/O failures the BBT scan/commit protocol is built to
// tolerate, without needing a real flash part.
type Controller struct {
	geo nand.Geometry

	mu     sync.Mutex
	blocks [][]pageState

	FailWrite func(page uint32) bool
	FailRead  func(page uint32) bool
	FailErase func(block uint32) bool
}

// New constructs a Controller with the given geometry, all pages blank.
func New(geo nand.Geometry) *Controller {
	blocks := make([][]pageState, geo.NumBlocks)
	for b := range blocks {
		pages := make([]pageState, geo.PagesPerBlock)
		for i := range pages {
			pages[i] = pageState{
				data: make([]byte, geo.PageSize),
				oob:  make([]byte, geo.OobSize),
			}
		}
		blocks[b] = pages
	}
	return &Controller{geo: geo, blocks: blocks}
}

// Query implements nand.Controller.
func (c *Controller) Query() (nand.Geometry, int) {
	return c.geo, opContextSize
}

// Queue implements nand.Controller. It never returns asynchronously in the
// sense of deferring past this call's return, but always invokes
// op.Completion exactly once, matching the documented contract.
func (c *Controller) Queue(op *nand.Op) {
	var status error
	switch op.Command {
	case nand.CommandErase:
		status = c.erase(op.FirstBlock)
	case nand.CommandRead:
		status = c.readPage(op)
	case nand.CommandWrite:
		status = c.writePage(op)
	default:
		status = nand.NewError("simnand.Controller.Queue", nand.KindNotSupported)
	}
	if op.Completion != nil {
		op.Completion(op, status)
	}
}

func (c *Controller) pageFor(op *nand.Op) uint32 {
	if op.Variant == nand.VariantRWDataOob {
		return op.Page
	}
	return op.OffsetNand
}

func (c *Controller) erase(block uint32) error {
	const op = "simnand.Controller.erase"

	c.mu.Lock()
	defer c.mu.Unlock()

	if block >= uint32(len(c.blocks)) {
		return nand.NewError(op, nand.KindOutOfRange)
	}
	if c.FailErase != nil && c.FailErase(block) {
		return nand.NewError(op, nand.KindIoError)
	}
	for i := range c.blocks[block] {
		p := &c.blocks[block][i]
		for j := range p.data {
			p.data[j] = 0
		}
		for j := range p.oob {
			p.oob[j] = 0
		}
	}
	return nil
}

func (c *Controller) readPage(op *nand.Op) error {
	const errOp = "simnand.Controller.readPage"

	page := c.pageFor(op)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailRead != nil && c.FailRead(page) {
		return nand.NewError(errOp, nand.KindIoError)
	}
	block, within, err := c.locate(page)
	if err != nil {
		return err
	}
	p := &c.blocks[block][within]
	if len(op.Data.Handle) > 0 {
		copy(op.Data.Handle, p.data)
	}
	if len(op.Oob.Handle) > 0 {
		copy(op.Oob.Handle, p.oob)
	}
	return nil
}

func (c *Controller) writePage(op *nand.Op) error {
	const errOp = "simnand.Controller.writePage"

	page := c.pageFor(op)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailWrite != nil && c.FailWrite(page) {
		return nand.NewError(errOp, nand.KindIoError)
	}
	block, within, err := c.locate(page)
	if err != nil {
		return err
	}
	p := &c.blocks[block][within]
	if len(op.Data.Handle) > 0 {
		copy(p.data, op.Data.Handle)
	}
	if len(op.Oob.Handle) > 0 {
		copy(p.oob, op.Oob.Handle)
	}
	return nil
}

func (c *Controller) locate(page uint32) (block, within uint32, err error) {
	block = page / c.geo.PagesPerBlock
	within = page % c.geo.PagesPerBlock
	if block >= uint32(len(c.blocks)) {
		return 0, 0, nand.NewError("simnand.Controller.locate", nand.KindOutOfRange)
	}
	return block, within, nil
}
