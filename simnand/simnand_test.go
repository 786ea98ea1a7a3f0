package simnand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nand "github.com/akmistry/nandpart"
)

func testGeometry() nand.Geometry {
	return nand.Geometry{PageSize: 16, PagesPerBlock: 4, NumBlocks: 8, OobSize: 8}
}

func queueSync(t *testing.T, c *Controller, op *nand.Op) error {
	t.Helper()
	done := make(chan error, 1)
	op.Completion = func(_ *nand.Op, status error) { done <- status }
	c.Queue(op)
	return <-done
}

func TestWriteReadRoundTrip(t *testing.T) {
	c := New(testGeometry())

	data := []byte("0123456789abcdef")
	oob := []byte("oobdata!")
	err := queueSync(t, c, &nand.Op{
		Command:    nand.CommandWrite,
		Variant:    nand.VariantRW,
		OffsetNand: 5,
		Data:       nand.Payload{Handle: data},
		Oob:        nand.Payload{Handle: oob},
	})
	require.NoError(t, err)

	readData := make([]byte, 16)
	readOob := make([]byte, 8)
	err = queueSync(t, c, &nand.Op{
		Command:    nand.CommandRead,
		Variant:    nand.VariantRW,
		OffsetNand: 5,
		Data:       nand.Payload{Handle: readData},
		Oob:        nand.Payload{Handle: readOob},
	})
	require.NoError(t, err)
	assert.Equal(t, data, readData)
	assert.Equal(t, oob, readOob)
}

func TestEraseZeroesBlock(t *testing.T) {
	c := New(testGeometry())

	data := []byte("0123456789abcdef")
	require.NoError(t, queueSync(t, c, &nand.Op{
		Command: nand.CommandWrite, Variant: nand.VariantRW,
		OffsetNand: 4, Data: nand.Payload{Handle: data},
	}))

	require.NoError(t, queueSync(t, c, &nand.Op{Command: nand.CommandErase, FirstBlock: 1, NumBlocks: 1}))

	readData := make([]byte, 16)
	require.NoError(t, queueSync(t, c, &nand.Op{
		Command: nand.CommandRead, Variant: nand.VariantRW,
		OffsetNand: 4, Data: nand.Payload{Handle: readData},
	}))
	assert.Equal(t, make([]byte, 16), readData)
}

func TestFailWriteInjection(t *testing.T) {
	c := New(testGeometry())
	c.FailWrite = func(page uint32) bool { return page == 9 }

	err := queueSync(t, c, &nand.Op{
		Command: nand.CommandWrite, Variant: nand.VariantRW,
		OffsetNand: 9, Data: nand.Payload{Handle: make([]byte, 16)},
	})
	require.Error(t, err)
	assert.Equal(t, nand.KindIoError, nand.KindOf(err))
}

func TestOldProtoVariantUsesPage(t *testing.T) {
	c := New(testGeometry())
	data := []byte("0123456789abcdef")
	require.NoError(t, queueSync(t, c, &nand.Op{
		Command: nand.CommandWrite, Variant: nand.VariantRWDataOob,
		Page: 7, Data: nand.Payload{Handle: data},
	}))

	readData := make([]byte, 16)
	require.NoError(t, queueSync(t, c, &nand.Op{
		Command: nand.CommandRead, Variant: nand.VariantRWDataOob,
		Page: 7, Data: nand.Payload{Handle: readData},
	}))
	assert.Equal(t, data, readData)
}
