package nand

import "math/bits"

// Geometry describes a NAND device's fixed physical shape. It is read once
// at attach time and never changes for the lifetime of the device.
type Geometry struct {
	PageSize      uint32
	PagesPerBlock uint32
	NumBlocks     uint32
	OobSize       uint32
}

// EraseBlockSize returns page_size * pages_per_block. Callers that need to
// validate the power-of-two requirement should call Validate first.
func (g Geometry) EraseBlockSize() uint64 {
	return uint64(g.PageSize) * uint64(g.PagesPerBlock)
}

// Validate checks the invariants required of any geometry this module
// operates on: a nonzero block/page shape, and an erase block size that is
// a power of two (required so partition byte offsets can be converted to
// block indices with a shift, mirroring the original driver's use of ffs()
// on erase_block_size).
func (g Geometry) Validate() error {
	const op = "nand.Geometry.Validate"
	if g.PageSize == 0 || g.PagesPerBlock == 0 || g.NumBlocks == 0 {
		return NewError(op, KindInternal)
	}
	ebs := g.EraseBlockSize()
	if bits.OnesCount64(ebs) != 1 {
		return NewError(op, KindInternal)
	}
	return nil
}

// PageToBlock returns the erase block containing the given global page
// number.
func (g Geometry) PageToBlock(page uint32) uint32 {
	return page / g.PagesPerBlock
}
