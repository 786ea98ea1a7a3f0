// Package badblock implements the on-flash Bad Block Table (BBT): a
// persistent, wear-aware record of which erase blocks on a NAND device are
// known bad, shared by every Partition on the device.
package badblock

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	nand "github.com/akmistry/nandpart"
	"github.com/akmistry/nandpart/client"
)

// bbtMagic identifies a valid BBT OOB header ("nbbt").
const bbtMagic uint32 = 0x7462626E

// oobHeaderSize is sizeof(BbtOobHeader): magic(4) + pe_cycles(2) + generation(2).
const oobHeaderSize = 8

// maxSlots bounds the number of reserved blocks a BBT may use, matching the
// original driver's kBlockListMax assumption that no more than 8 blocks
// are ever dedicated to BBT storage.
const maxSlots = 8

// blockGood and blockBad are the two BlockStatus values.
const (
	blockGood byte = 0
	blockBad  byte = 1
)

// SlotEntry is one reserved block eligible to host a BBT copy.
type SlotEntry struct {
	DeviceBlock       uint32
	ProgramEraseCycles uint16
	Valid             bool
}

// oobHeader is the on-flash per-page OOB header.
type oobHeader struct {
	Magic              uint32
	ProgramEraseCycles uint16
	Generation         uint16
}

func encodeOobHeader(h oobHeader, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.ProgramEraseCycles)
	binary.LittleEndian.PutUint16(buf[6:8], h.Generation)
}

func decodeOobHeader(buf []byte) oobHeader {
	return oobHeader{
		Magic:              binary.LittleEndian.Uint32(buf[0:4]),
		ProgramEraseCycles: binary.LittleEndian.Uint16(buf[4:6]),
		Generation:         binary.LittleEndian.Uint16(buf[6:8]),
	}
}

// state is the store's lazy-init state machine.
type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateReady
)

// cursor tracks where the next BBT copy will be written within the active
// slot's block.
type cursor struct {
	activeSlot *SlotEntry
	nextPage   uint32
	generation uint16
}

// Store owns a device's on-flash BBT. It lazy-initializes on first query,
// serves queries against an in-memory table, and commits mutations by
// wear-aware rewrite into the reserved block range. It is safe for
// concurrent use: every public method takes the same mutex for its entire
// body, so lazy init, queries, and mutation are all serialized against one
// another.
type Store struct {
	mu sync.Mutex

	client *client.Client
	geo    nand.Geometry
	cfg    nand.BadBlockConfig

	tableLen   uint32
	pageStride uint32

	table []byte // one BlockStatus byte per device block
	slots []SlotEntry
	cur   cursor
	state state

	// dataBuf/oobBuf are the store's single reusable op buffers, protected
	// by mu along with everything else: one non-reentrant NAND op buffer
	// per store, reused across calls rather than allocated per operation.
	dataBuf []byte
	oobBuf  []byte

	log *logrus.Entry
}

// New constructs a Store bound to c, scoped to the reserved block range in
// cfg. It does not touch flash until the first query (lazy init).
func New(c *client.Client, cfg nand.BadBlockConfig, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	geo := c.Geometry()
	tableLen := geo.NumBlocks
	pageStride := (tableLen + geo.PageSize - 1) / geo.PageSize

	return &Store{
		client:     c,
		geo:        geo,
		cfg:        cfg,
		tableLen:   tableLen,
		pageStride: pageStride,
		table:      make([]byte, tableLen),
		slots:      make([]SlotEntry, 0, maxSlots),
		dataBuf:    make([]byte, uint64(pageStride)*uint64(geo.PageSize)),
		oobBuf:     make([]byte, geo.OobSize),
		log:        log.WithField("component", "badblock.store"),
	}
}

// GetBadBlockList returns device-global block indices in
// [firstBlock, lastBlock) whose status is not Good.
func (s *Store) GetBadBlockList(firstBlock, lastBlock uint32) ([]uint32, error) {
	const op = "badblock.Store.GetBadBlockList"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitLocked(); err != nil {
		return nil, err
	}
	if firstBlock > s.tableLen || lastBlock > s.tableLen {
		return nil, nand.NewError(op, nand.KindOutOfRange)
	}

	var out []uint32
	for b := firstBlock; b < lastBlock; b++ {
		if s.table[b] != blockGood {
			out = append(out, b)
		}
	}
	return out, nil
}

// IsBlockBad reports whether the device-global block is marked bad.
func (s *Store) IsBlockBad(block uint32) (bool, error) {
	const op = "badblock.Store.IsBlockBad"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitLocked(); err != nil {
		return false, err
	}
	if block >= s.tableLen {
		return false, nand.NewError(op, nand.KindOutOfRange)
	}
	return s.table[block] != blockGood, nil
}

// MarkBlockBad marks the device-global block bad and commits a new BBT
// generation to flash. It is idempotent: marking an already-bad block
// succeeds without a new commit.
func (s *Store) MarkBlockBad(block uint32) error {
	const op = "badblock.Store.MarkBlockBad"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitLocked(); err != nil {
		return err
	}
	if block >= s.tableLen {
		return nand.NewError(op, nand.KindOutOfRange)
	}
	if s.table[block] != blockGood {
		return nil
	}
	s.table[block] = blockBad
	return s.writeBadBlockTable(false)
}

// Seed formats a blank BBT region: it erases the first reserved block,
// writes an all-good table generation into it, and leaves the store Ready.
// Provisioning a device's metadata blobs at manufacture time is outside
// this package; Seed is the low-level primitive a provisioning step would
// call the first time a device is formatted, and is what lets tests and
// cmds/nandpartd exercise a store without a pre-baked flash image. It is a
// no-op if the store is already Ready.
func (s *Store) Seed() error {
	const op = "badblock.Store.Seed"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateReady {
		return nil
	}

	blocks := s.cfg.TableEndBlock - s.cfg.TableStartBlock + 1
	if blocks == 0 || blocks > maxSlots {
		return nand.NewError(op, nand.KindNotSupported)
	}

	s.slots = s.slots[:0]
	for block := s.cfg.TableStartBlock; block <= s.cfg.TableEndBlock; block++ {
		s.slots = append(s.slots, SlotEntry{DeviceBlock: block, Valid: true})
	}
	for i := range s.table {
		s.table[i] = blockGood
	}

	active := &s.slots[0]
	if err := s.client.EraseBlock(active.DeviceBlock); err != nil {
		return nand.WrapError(op, nand.KindIoError, err)
	}
	s.cur = cursor{activeSlot: active, nextPage: 0, generation: 0}

	if err := s.writeBadBlockTable(false); err != nil {
		return nand.WrapError(op, nand.KindInternal, err)
	}
	s.state = stateReady
	return nil
}

func (s *Store) ensureInitLocked() error {
	const op = "badblock.Store.ensureInit"

	if s.state == stateReady {
		return nil
	}
	s.state = stateInitializing
	if err := s.scan(); err != nil {
		s.state = stateUninitialized
		return nand.WrapError(op, nand.KindInternal, err)
	}
	s.state = stateReady
	return nil
}

// readHeaderAt reads oob for the given page into s.oobBuf and decodes it.
func (s *Store) readHeaderAt(page uint32) (oobHeader, error) {
	if err := s.client.ReadPage(page, nil, s.oobBuf[:oobHeaderSize]); err != nil {
		return oobHeader{}, err
	}
	return decodeOobHeader(s.oobBuf[:oobHeaderSize]), nil
}

// scan performs the initial (or re-triggered) lazy scan, mirroring
// AmlBadBlock::FindBadBlockTable: locate readable reserved blocks, pick the
// active slot by highest generation, then find the last valid entry within
// it.
func (s *Store) scan() error {
	const op = "badblock.Store.scan"

	if oobHeaderSize > int(s.geo.OobSize) {
		return nand.NewError(op, nand.KindNotSupported)
	}

	blocks := s.cfg.TableEndBlock - s.cfg.TableStartBlock + 1
	if blocks == 0 || blocks > maxSlots {
		return nand.NewError(op, nand.KindNotSupported)
	}

	s.slots = s.slots[:0]
	var activeIdx = -1
	var generation uint16

	for block := s.cfg.TableStartBlock; block <= s.cfg.TableEndBlock; block++ {
		hdr, ok := s.probeBlock(block)
		if !ok {
			s.log.WithField("block", block).Debug("bbt slot unreadable, excluding")
			continue
		}

		slot := SlotEntry{DeviceBlock: block, ProgramEraseCycles: hdr.ProgramEraseCycles, Valid: true}
		s.slots = append(s.slots, slot)
		idx := len(s.slots) - 1

		if hdr.Magic == bbtMagic && hdr.Generation >= generation {
			activeIdx = idx
			generation = hdr.Generation
		}
	}

	if activeIdx < 0 {
		return nand.NewError(op, nand.KindInternal)
	}

	active := &s.slots[activeIdx]
	lastPage, latestEntryBad, found, err := s.findLastValidEntry(active.DeviceBlock, &generation)
	if err != nil {
		return err
	}
	if !found {
		return nand.NewError(op, nand.KindInternal)
	}

	// Re-read the last valid entry to refresh the in-memory table.
	if err := s.readTableCopy(active.DeviceBlock, lastPage); err != nil {
		return nand.WrapError(op, nand.KindInternal, err)
	}

	s.cur = cursor{activeSlot: active, generation: generation}

	if latestEntryBad {
		s.log.WithField("block", active.DeviceBlock).Warn("latest bbt entry unreadable, forcing reallocation")
		return s.writeBadBlockTable(true)
	}
	s.cur.nextPage = lastPage + s.pageStride
	return nil
}

// probeBlock attempts up to 6 reads at successive page strides within
// block, returning the first header read successfully.
func (s *Store) probeBlock(block uint32) (oobHeader, bool) {
	base := block * s.geo.PagesPerBlock
	for i := uint32(0); i < 6; i++ {
		page := base + i*s.pageStride
		hdr, err := s.readHeaderAt(page)
		if err == nil {
			return hdr, true
		}
	}
	return oobHeader{}, false
}

// findLastValidEntry scans block at page stride to find the last page
// offset whose stride pages all carry the magic header, updating
// *generation to one past the newest entry's generation as it goes (the
// value the next commit should stamp).
func (s *Store) findLastValidEntry(block uint32, generation *uint16) (lastPage uint32, latestEntryBad bool, found bool, err error) {
	latestEntryBad = true

	for page := uint32(0); page+s.pageStride <= s.geo.PagesPerBlock; page += s.pageStride {
		ok := true
		var hdr oobHeader
		for i := uint32(0); i < s.pageStride; i++ {
			nandPage := block*s.geo.PagesPerBlock + page + i
			hdr, err = s.readHeaderAt(nandPage)
			if err != nil || hdr.Magic != bbtMagic {
				ok = false
				break
			}
		}
		if !ok {
			if err != nil {
				// Unreadable entries are tolerated as long as a later one
				// is readable.
				latestEntryBad = true
				err = nil
				continue
			}
			// A structurally-present-but-non-magic page ends the table.
			break
		}
		latestEntryBad = false
		found = true
		lastPage = page
		*generation = hdr.Generation + 1
	}
	return lastPage, latestEntryBad, found, nil
}

// readTableCopy reads the pageStride pages starting at (block, page) into
// the in-memory table.
func (s *Store) readTableCopy(block, page uint32) error {
	for i := uint32(0); i < s.pageStride; i++ {
		nandPage := block*s.geo.PagesPerBlock + page + i
		start := uint64(i) * uint64(s.geo.PageSize)
		end := start + uint64(s.geo.PageSize)
		if end > uint64(len(s.table)) {
			end = uint64(len(s.table))
		}
		if start >= end {
			break
		}
		if err := s.client.ReadPage(nandPage, s.dataBuf[start:end], s.oobBuf[:oobHeaderSize]); err != nil {
			return err
		}
		hdr := decodeOobHeader(s.oobBuf[:oobHeaderSize])
		if hdr.Magic != bbtMagic {
			return nand.NewError("badblock.Store.readTableCopy", nand.KindInternal)
		}
	}
	copy(s.table, s.dataBuf[:len(s.table)])
	return nil
}

// writeBadBlockTable commits the in-memory table to flash, implementing the
// same retry loop as AmlBadBlock::WriteBadBlockTable/GetNewBlock: a failing
// write demotes its block to Bad and forces reallocation, looping within
// the reserved set until either a write succeeds or the set is exhausted
// (KindNotFound).
func (s *Store) writeBadBlockTable(forceNewBlock bool) error {
	const op = "badblock.Store.writeBadBlockTable"

	for {
		active := s.cur.activeSlot
		if forceNewBlock || active == nil || s.table[active.DeviceBlock] != blockGood ||
			s.cur.nextPage+s.pageStride > s.geo.PagesPerBlock {
			if err := s.allocateNewSlot(); err != nil {
				return nand.WrapError(op, nand.KindNotFound, err)
			}
			forceNewBlock = false
			active = s.cur.activeSlot
		}

		hdr := oobHeader{Magic: bbtMagic, ProgramEraseCycles: active.ProgramEraseCycles, Generation: s.cur.generation}
		encodeOobHeader(hdr, s.oobBuf[:oobHeaderSize])
		copy(s.dataBuf, s.table)
		for i := len(s.table); i < len(s.dataBuf); i++ {
			s.dataBuf[i] = 0
		}

		ok := true
		for i := uint32(0); i < s.pageStride; i++ {
			nandPage := active.DeviceBlock*s.geo.PagesPerBlock + s.cur.nextPage + i
			start := uint64(i) * uint64(s.geo.PageSize)
			end := start + uint64(s.geo.PageSize)
			if err := s.client.WritePage(nandPage, s.dataBuf[start:end], s.oobBuf[:oobHeaderSize]); err != nil {
				s.log.WithError(err).WithField("block", active.DeviceBlock).Warn("bbt write failed, marking block bad")
				s.table[active.DeviceBlock] = blockBad
				forceNewBlock = true
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		s.cur.nextPage += s.pageStride
		s.cur.generation++
		return nil
	}
}

// allocateNewSlot picks the readable slot (other than the current active
// one) with the minimum PE cycle count, erases it, and makes it active.
func (s *Store) allocateNewSlot() error {
	const op = "badblock.Store.allocateNewSlot"

	for {
		idx := -1
		var minPE uint16
		for i := range s.slots {
			slot := &s.slots[i]
			if !slot.Valid || slot == s.cur.activeSlot {
				continue
			}
			if idx < 0 || slot.ProgramEraseCycles < minPE {
				idx = i
				minPE = slot.ProgramEraseCycles
			}
		}
		if idx < 0 {
			return nand.NewError(op, nand.KindNotFound)
		}

		slot := &s.slots[idx]
		if s.table[slot.DeviceBlock] != blockGood {
			slot.Valid = false
			continue
		}

		if err := s.client.EraseBlock(slot.DeviceBlock); err != nil {
			s.log.WithError(err).WithField("block", slot.DeviceBlock).Warn("bbt slot erase failed, marking bad")
			s.table[slot.DeviceBlock] = blockBad
			slot.Valid = false
			continue
		}

		s.cur.activeSlot = slot
		slot.ProgramEraseCycles++
		s.cur.nextPage = 0
		return nil
	}
}
