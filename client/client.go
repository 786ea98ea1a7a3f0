// Package client provides NandClient, a blocking submission/completion
// façade over an asynchronous nand.Controller.
package client

import (
	"github.com/sirupsen/logrus"

	nand "github.com/akmistry/nandpart"
)

// Client wraps a nand.Controller and turns its async queue/completion
// protocol into three blocking calls. Each call parks the calling goroutine
// on a private completion channel until the controller signals; the wait
// has no timeout and blocks indefinitely if the controller never completes.
type Client struct {
	ctrl   nand.Controller
	geo    nand.Geometry
	opSize int

	log *logrus.Entry
}

// New queries ctrl for its geometry and per-op context size and returns a
// Client bound to it.
func New(ctrl nand.Controller, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	geo, opSize := ctrl.Query()
	return &Client{ctrl: ctrl, geo: geo, opSize: opSize, log: log.WithField("component", "nand.client")}
}

// Geometry returns the controller's geometry as reported at construction.
func (c *Client) Geometry() nand.Geometry { return c.geo }

// Controller returns the underlying controller, for callers (such as
// partition.Partition) that need to submit asynchronous ops directly
// instead of through the blocking façade.
func (c *Client) Controller() nand.Controller { return c.ctrl }

// OpContextSize returns the per-op context size reported by the controller.
func (c *Client) OpContextSize() int { return c.opSize }

type pending struct {
	done   chan struct{}
	status error
}

func newPending() *pending {
	return &pending{done: make(chan struct{})}
}

func completionFor(p *pending) nand.Completion {
	return func(op *nand.Op, status error) {
		p.status = status
		close(p.done)
	}
}

// EraseBlock erases the single erase block at the given (controller-global)
// block index and blocks until the controller completes the operation.
func (c *Client) EraseBlock(block uint32) error {
	const op = "nand.client.EraseBlock"

	p := newPending()
	nop := &nand.Op{
		Command:    nand.CommandErase,
		FirstBlock: block,
		NumBlocks:  1,
		Cookie:     p,
		Completion: completionFor(p),
	}
	c.log.WithField("block", block).Debug("erase")
	c.ctrl.Queue(nop)
	<-p.done
	if p.status != nil {
		return nand.WrapError(op, nand.KindIoError, p.status)
	}
	return nil
}

// ReadPage reads a single page's data and OOB into dataOut/oobOut and blocks
// until the controller completes the operation. Either buffer may be empty
// if that payload isn't needed by the caller.
func (c *Client) ReadPage(page uint32, dataOut, oobOut []byte) error {
	return c.rwPage(nand.CommandRead, page, dataOut, oobOut)
}

// WritePage writes a single page's data and OOB and blocks until the
// controller completes the operation.
func (c *Client) WritePage(page uint32, data, oob []byte) error {
	return c.rwPage(nand.CommandWrite, page, data, oob)
}

func (c *Client) rwPage(cmd nand.Command, page uint32, data, oob []byte) error {
	const op = "nand.client.rwPage"

	p := newPending()
	nop := &nand.Op{
		Command:    cmd,
		Variant:    nand.VariantRW,
		OffsetNand: page,
		Page:       page,
		Data:       nand.Payload{Handle: data, Length: uint32(len(data))},
		Oob:        nand.Payload{Handle: oob, Length: uint32(len(oob))},
		Cookie:     p,
		Completion: completionFor(p),
	}
	c.log.WithFields(logrus.Fields{"page": page, "command": cmd}).Debug("rw")
	c.ctrl.Queue(nop)
	<-p.done
	if p.status != nil {
		return nand.WrapError(op, nand.KindIoError, p.status)
	}
	return nil
}
