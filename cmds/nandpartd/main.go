// Command nandpartd wires a simulated NAND device through the partitioning
// and bad-block-management stack this module implements, and exports the
// FVM/FTL-class partition as a Linux NBD block device. It replaces
// github.com/akmistry/flashblock's cmds/flashblock, whose main() never got
// past opening the backing file; in its place this demonstrates the full
// attach sequence a real driver binding would perform: geometry, bad-block
// config and partition map metadata, BadBlockStore lazy-init, per-partition
// Partition construction, and (for the FTL-class partition) an Ftl mounted
// on top.
package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	nand "github.com/akmistry/nandpart"
	"github.com/akmistry/nandpart/badblock"
	"github.com/akmistry/nandpart/client"
	"github.com/akmistry/nandpart/ftl"
	"github.com/akmistry/nandpart/partition"
	"github.com/akmistry/nandpart/simnand"

	nbd "github.com/akmistry/go-nbd"
)

const (
	kilo = 1024
	mega = 1024 * kilo
)

var (
	nbdDeviceFlag = flag.String(
		"device", "/dev/nbd0", "Path to /dev/nbdX device to export the FTL partition on.")
	pageSizeFlag = flag.Uint(
		"page-size", 2048, "Simulated NAND page size, bytes.")
	pagesPerBlockFlag = flag.Uint(
		"pages-per-block", 64, "Simulated NAND pages per erase block.")
	numBlocksFlag = flag.Uint(
		"num-blocks", 1024, "Simulated NAND erase block count.")
	oobSizeFlag = flag.Uint(
		"oob-size", 16, "Simulated NAND out-of-band area size, bytes.")
	bbtBlocksFlag = flag.Uint(
		"bbt-blocks", 4, "Number of erase blocks reserved for the bad block table.")
)

func main() {
	flag.Parse()
	log := logrus.NewEntry(logrus.StandardLogger())

	geo := nand.Geometry{
		PageSize:      uint32(*pageSizeFlag),
		PagesPerBlock: uint32(*pagesPerBlockFlag),
		NumBlocks:     uint32(*numBlocksFlag),
		OobSize:       uint32(*oobSizeFlag),
	}
	if err := geo.Validate(); err != nil {
		log.WithError(err).Fatal("invalid simulated geometry")
	}

	if *bbtBlocksFlag == 0 || *bbtBlocksFlag >= uint(geo.NumBlocks) {
		log.Fatal("bbt-blocks must be nonzero and smaller than num-blocks")
	}
	bbtStart := geo.NumBlocks - uint32(*bbtBlocksFlag)
	bbtEnd := geo.NumBlocks - 1

	ctrl := simnand.New(geo)
	c := client.New(ctrl, log)

	store := badblock.New(c, nand.BadBlockConfig{TableStartBlock: bbtStart, TableEndBlock: bbtEnd}, log)
	// A real device ships with a pre-formatted BBT; this simulated one does
	// not, so format it the first time up, the same way a provisioning step
	// external to this module would on real flash.
	if err := store.Seed(); err != nil {
		log.WithError(err).Fatal("failed to seed bad block table")
	}

	pm := nand.PartitionMap{
		BlockSize: uint64(geo.EraseBlockSize()),
		Entries: []nand.PartitionEntry{
			{Name: "fvm", TypeGUID: nand.FVMTypeGUID, FirstBlock: 0, LastBlock: bbtStart - 1},
		},
	}
	sanitized, err := pm.Sanitize(geo)
	if err != nil {
		log.WithError(err).Fatal("invalid partition map")
	}

	entry := sanitized.Entries[0]
	part := partition.New(entry, c, store, log)
	log.WithFields(logrus.Fields{
		"partition":  entry.Name,
		"num_blocks": part.NumBlocks(),
		"class":      entry.Class(),
	}).Info("partition attached")

	f, err := ftl.New(part, log)
	if err != nil {
		log.WithError(err).Fatal("failed to attach ftl")
	}

	size := int64(part.NumBlocks()) * int64(geo.PagesPerBlock) * int64(geo.PageSize)
	log.WithFields(logrus.Fields{"device": *nbdDeviceFlag, "size": size}).Info("exporting over nbd")

	// nbd.NewServer mirrors the construct-then-run idiom used throughout this
	// module (simnand.New, client.New, badblock.New): build a server bound
	// to the backing ReaderAt/WriterAt and block size, then run it until the
	// device is unbound or an I/O error tears the connection down.
	srv, err := nbd.NewServer(*nbdDeviceFlag, f, size, nbd.BlockDeviceOptions{BlockSize: int(geo.PageSize)})
	if err != nil {
		log.WithError(err).Fatal("failed to create nbd server")
	}
	if err := srv.Run(); err != nil {
		log.WithError(err).Fatal("nbd server exited")
	}
	os.Exit(0)
}
