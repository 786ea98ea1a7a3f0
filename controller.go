package nand

// Command tags a NAND op. NotSupported-completing commands never reach a
// Controller: Partition.Submit intercepts anything outside this set.
type Command int

const (
	CommandRead Command = iota
	CommandWrite
	CommandErase
)

// PayloadVariant selects between two controller command-set revisions: the
// older combined rw_data_oob shape (separate data and oob handles, each
// with its own offset/length), mirroring aml-bad-block.cpp's OLD_NAND_PROTO
// split, and the newer rw shape (one offset_nand shared by both payloads).
// Both dispatch identically; Controller implementations branch on Variant
// only to decide which fields of Op are populated.
type PayloadVariant int

const (
	// VariantRWDataOob is the older combined command shape.
	VariantRWDataOob PayloadVariant = iota
	// VariantRW is the newer unified command shape.
	VariantRW
)

// Payload is a single data or OOB transfer descriptor: a handle to a
// caller-owned backing buffer plus an offset and length within it. Handle is
// opaque to this package; a Controller implementation interprets it (e.g. as
// a VMO handle, a byte slice, or a DMA region).
type Payload struct {
	Handle []byte
	Offset uint32
	Length uint32
}

// Completion is invoked by a Controller exactly once per queued Op, from
// whatever goroutine the controller completes the operation on.
type Completion func(op *Op, status error)

// Op is a single NAND operation submitted to a Controller's queue. Only the
// fields relevant to Command are meaningful; addressing is populated
// according to Variant for CommandRead/CommandWrite.
type Op struct {
	Command Command
	Variant PayloadVariant

	// OffsetNand is the page offset (VariantRW) shared by Data and Oob.
	// Only meaningful for CommandRead/CommandWrite.
	OffsetNand uint32

	// Page is the page number (VariantRWDataOob). Only meaningful for
	// CommandRead/CommandWrite when Variant == VariantRWDataOob; equal in
	// value to OffsetNand, kept distinct to mirror the two wire shapes.
	Page uint32

	Data Payload
	Oob  Payload

	// FirstBlock/NumBlocks are meaningful for CommandErase only.
	FirstBlock uint32
	NumBlocks  uint32

	Completion Completion
	Cookie     interface{}
}

// Controller is the parent NAND controller interface this package queues
// operations against. It is implemented by the driver-framework binding
// glue in a real deployment, and by nand/simnand for tests and the
// cmds/nandpartd demo.
type Controller interface {
	// Query returns the controller's geometry and the size, in bytes, of
	// the per-op context a caller must allocate alongside an Op.
	Query() (Geometry, int)
	// Queue submits op asynchronously. The controller MUST eventually
	// invoke op.Completion exactly once.
	Queue(op *Op)
}
