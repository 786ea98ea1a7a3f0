package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nand "github.com/akmistry/nandpart"
	"github.com/akmistry/nandpart/simnand"
)

func testGeometry() nand.Geometry {
	return nand.Geometry{PageSize: 16, PagesPerBlock: 4, NumBlocks: 8, OobSize: 8}
}

func TestClientWriteReadPageRoundTrip(t *testing.T) {
	ctrl := simnand.New(testGeometry())
	c := New(ctrl, nil)

	data := []byte("0123456789abcdef")
	oob := []byte("oobdata!")
	require.NoError(t, c.WritePage(3, data, oob))

	readData := make([]byte, 16)
	readOob := make([]byte, 8)
	require.NoError(t, c.ReadPage(3, readData, readOob))
	assert.Equal(t, data, readData)
	assert.Equal(t, oob, readOob)
}

func TestClientEraseBlockPropagatesFailure(t *testing.T) {
	ctrl := simnand.New(testGeometry())
	ctrl.FailErase = func(block uint32) bool { return block == 2 }
	c := New(ctrl, nil)

	err := c.EraseBlock(2)
	require.Error(t, err)
	assert.Equal(t, nand.KindIoError, nand.KindOf(err))
}

func TestClientGeometryMatchesController(t *testing.T) {
	geo := testGeometry()
	ctrl := simnand.New(geo)
	c := New(ctrl, nil)
	assert.Equal(t, geo, c.Geometry())
}
