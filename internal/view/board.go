// Package view holds the per-device view model and the single loop that mutates it.
package view

import (
	"time"

	"github.com/dokzlo13/fmbview/internal/openfmb"
)

// DefaultMaxErrors bounds the errors region when no limit is configured.
const DefaultMaxErrors = 50

// ChangeKind describes what happened to the board.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
	ChangeError   ChangeKind = "error"
)

// Block is the visual block of one device.
type Block struct {
	ID        string    `json:"id"`
	Table     Table     `json:"table"`
	Revision  uint64    `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Change is emitted after every board mutation.
type Change struct {
	Kind    ChangeKind
	Block   Block
	Message string
}

// State is a detached copy of the board for readers outside the loop.
type State struct {
	Blocks []Block  `json:"devices"`
	Errors []string `json:"errors"`
}

// Options configures a Board.
type Options struct {
	Date      DateFormat
	MaxErrors int
}

// Board maps device identifiers to their blocks and keeps the errors region.
// It is not safe for concurrent use; Loop owns it.
type Board struct {
	blocks    map[string]*Block
	order     []string
	errors    []string
	maxErrors int
	date      DateFormat
	now       func() time.Time
}

// NewBoard creates an empty board.
func NewBoard(opts Options) *Board {
	maxErrors := opts.MaxErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	return &Board{
		blocks:    make(map[string]*Block),
		maxErrors: maxErrors,
		date:      opts.Date,
		now:       time.Now,
	}
}

// Apply creates the block for an unseen device or replaces the definition
// table of an existing one.
func (b *Board) Apply(snap *openfmb.Snapshot) Change {
	table := BuildTable(snap, b.date)

	kind := ChangeUpdated
	block, ok := b.blocks[snap.IEDMRID]
	if !ok {
		kind = ChangeCreated
		block = &Block{ID: snap.IEDMRID}
		b.blocks[snap.IEDMRID] = block
		b.order = append(b.order, snap.IEDMRID)
	}

	block.Table = table
	block.Revision++
	block.UpdatedAt = b.now()

	return Change{Kind: kind, Block: block.clone()}
}

// Remove drops the block of a device. It reports whether a block existed.
func (b *Board) Remove(id string) (Change, bool) {
	block, ok := b.blocks[id]
	if !ok {
		return Change{}, false
	}
	delete(b.blocks, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return Change{Kind: ChangeRemoved, Block: block.clone()}, true
}

// AppendError adds a plain-text notice to the errors region.
func (b *Board) AppendError(msg string) Change {
	b.errors = append(b.errors, msg)
	if over := len(b.errors) - b.maxErrors; over > 0 {
		b.errors = append([]string(nil), b.errors[over:]...)
	}
	return Change{Kind: ChangeError, Message: msg}
}

// Block returns a copy of the block for id.
func (b *Board) Block(id string) (Block, bool) {
	block, ok := b.blocks[id]
	if !ok {
		return Block{}, false
	}
	return block.clone(), true
}

// Len returns the number of blocks.
func (b *Board) Len() int {
	return len(b.blocks)
}

// State returns a deep copy of the board in creation order.
func (b *Board) State() State {
	state := State{
		Blocks: make([]Block, 0, len(b.order)),
		Errors: append([]string(nil), b.errors...),
	}
	for _, id := range b.order {
		state.Blocks = append(state.Blocks, b.blocks[id].clone())
	}
	return state
}

func (blk *Block) clone() Block {
	c := *blk
	c.Table.Rows = append([]Row(nil), blk.Table.Rows...)
	return c
}
