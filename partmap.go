package nand

import (
	"encoding/binary"
	"sort"

	"github.com/google/uuid"
)

// FVMTypeGUID is the well-known partition type GUID identifying the FVM
// (Fuchsia Volume Manager) partition. A partition carrying this GUID is
// tagged ClassFTL; every other partition is tagged ClassRaw.
var FVMTypeGUID = uuid.MustParse("49FD7CB8-DF15-4E73-B9D9-992070127F0F")

// Class is the NAND-class tag a Partition reports to upper layers. It is
// advisory only.
type Class int

const (
	// ClassRaw is the "bad block skip" class: raw NAND with no FTL layer.
	ClassRaw Class = iota
	// ClassFTL tags the partition intended to host an FTL (only the FVM
	// partition, by GUID).
	ClassFTL
)

// PartitionEntry is one row of a PartitionMap. Block addresses are in
// erase-block units of the parent device, after Sanitize has rescaled them
// from the map's declared block size if necessary.
type PartitionEntry struct {
	Name       string
	TypeGUID   uuid.UUID
	FirstBlock uint32
	LastBlock  uint32
}

// Class reports the NAND class this entry should be tagged with.
func (p PartitionEntry) Class() Class {
	if p.TypeGUID == FVMTypeGUID {
		return ClassFTL
	}
	return ClassRaw
}

// PartitionMap is the decoded, pre-sanitization partition table: an ordered
// sequence of entries plus the block size they were declared in, which may
// differ from the device's erase block size.
type PartitionMap struct {
	BlockSize uint64
	Entries   []PartitionEntry
}

// Sanitize validates pm against geo, rescaling entries to device erase-block
// units if pm.BlockSize differs from geo's erase block size, sorting by
// FirstBlock, and checking for overlap and out-of-range extents. It returns
// a new, validated PartitionMap; pm is not mutated.
//
// The last-byte-offset computation here uses (last_block + 1) * block_size.
// nandpart.cpp's SanitizePartitionMap instead computes last_block + 1 *
// block_size, an operator-precedence bug that silently rescales the wrong
// number of bytes for any entry whose declared block size differs from the
// device's erase block size; this rewrite parenthesizes it correctly.
func (pm PartitionMap) Sanitize(geo Geometry) (PartitionMap, error) {
	const op = "nand.PartitionMap.Sanitize"

	if len(pm.Entries) == 0 {
		return PartitionMap{}, NewError(op, KindInternal)
	}
	if err := geo.Validate(); err != nil {
		return PartitionMap{}, err
	}

	entries := make([]PartitionEntry, len(pm.Entries))
	copy(entries, pm.Entries)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FirstBlock < entries[j].FirstBlock
	})

	for i := 0; i+1 < len(entries); i++ {
		if entries[i].LastBlock >= entries[i+1].FirstBlock {
			return PartitionMap{}, NewError(op, KindInternal)
		}
	}

	ebs := geo.EraseBlockSize()
	blockSize := pm.BlockSize
	if blockSize == 0 {
		blockSize = ebs
	}

	if blockSize != ebs {
		blockShift := trailingZeros64(ebs)
		for i := range entries {
			e := &entries[i]
			firstByteOffset := uint64(e.FirstBlock) * blockSize
			lastByteOffset := (uint64(e.LastBlock) + 1) * blockSize

			if roundDown(firstByteOffset, ebs) != firstByteOffset ||
				roundDown(lastByteOffset, ebs) != lastByteOffset {
				return PartitionMap{}, NewError(op, KindInternal)
			}
			e.FirstBlock = uint32(firstByteOffset >> blockShift)
			e.LastBlock = uint32(lastByteOffset>>blockShift) - 1
		}
	}

	if entries[len(entries)-1].LastBlock >= geo.NumBlocks {
		return PartitionMap{}, NewError(op, KindOutOfRange)
	}

	return PartitionMap{BlockSize: ebs, Entries: entries}, nil
}

func roundDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

func trailingZeros64(v uint64) int {
	n := 0
	for v&1 == 0 && v != 0 {
		v >>= 1
		n++
	}
	return n
}

// BadBlockConfig is the bad-block configuration metadata blob consumed at
// attach: the reserved erase-block range dedicated to BBT storage.
type BadBlockConfig struct {
	TableStartBlock uint32
	TableEndBlock   uint32
}

const (
	partitionMapHeaderSize = 4 + 8 // partition_count uint32, block_size uint64
	partitionMapEntrySize  = 4 + 4 + 16 + 32 // first_block, last_block, type_guid, name
	partitionNameLen       = 32
)

// DecodePartitionMap parses the partition-map metadata blob as laid out by
// nandpart.cpp's SanitizePartitionMap: a fixed header {partition_count,
// block_size} followed by partition_count entries of {first_block,
// last_block, type_guid[16], name[32]}. It returns KindInternal if buf is
// too small to hold the declared entry count.
func DecodePartitionMap(buf []byte) (PartitionMap, error) {
	const op = "nand.DecodePartitionMap"

	if len(buf) < partitionMapHeaderSize {
		return PartitionMap{}, NewError(op, KindInternal)
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	blockSize := binary.LittleEndian.Uint64(buf[4:12])

	minSize := partitionMapHeaderSize + int(count)*partitionMapEntrySize
	if len(buf) < minSize {
		return PartitionMap{}, NewError(op, KindInternal)
	}

	entries := make([]PartitionEntry, count)
	off := partitionMapHeaderSize
	for i := range entries {
		first := binary.LittleEndian.Uint32(buf[off : off+4])
		last := binary.LittleEndian.Uint32(buf[off+4 : off+8])
		var guid uuid.UUID
		copy(guid[:], buf[off+8:off+24])
		nameBytes := buf[off+24 : off+24+partitionNameLen]
		name := cStringFromBytes(nameBytes)

		entries[i] = PartitionEntry{
			Name:       name,
			TypeGUID:   guid,
			FirstBlock: first,
			LastBlock:  last,
		}
		off += partitionMapEntrySize
	}

	return PartitionMap{BlockSize: blockSize, Entries: entries}, nil
}

func cStringFromBytes(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
