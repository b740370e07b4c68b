package pagedllm

import "fmt"

// CopyOp records a physical block copy the model must perform before the
// next step. Emitted when a shared block is copy-on-written.
type CopyOp struct {
	Src int
	Dst int
}

// BlockManager maps each live sequence to an ordered list of block ids.
// Two sequences in a forked group share a prefix of identical block ids
// (refcount > 1); the first block that diverges is copy-on-written.
type BlockManager struct {
	pool      *BlockPool
	blockSize int
	tables    map[uint64][]int
}

// NewBlockManager creates a manager over a fresh pool of numBlocks blocks.
func NewBlockManager(numBlocks, blockSize int) *BlockManager {
	return &BlockManager{
		pool:      NewBlockPool(numBlocks, blockSize),
		blockSize: blockSize,
		tables:    make(map[uint64][]int),
	}
}

// BlockTable returns a copy of the sequence's current block id list.
func (bm *BlockManager) BlockTable(seqID uint64) []int {
	return append([]int(nil), bm.tables[seqID]...)
}

// HasBlockTable reports whether the sequence owns any blocks.
func (bm *BlockManager) HasBlockTable(seqID uint64) bool {
	_, ok := bm.tables[seqID]
	return ok
}

// AppendSlots grows the sequence's block table to cover nNew tokens written
// at positions [contentLen, contentLen+nNew). If the partially filled tail
// block is shared with a sibling, it is copy-on-written first and the
// resulting CopyOp is returned so the engine can issue the physical copy
// before the model step.
//
// Capacity is gated by CanAppendTokens; running out of blocks here is an
// invariant violation.
func (bm *BlockManager) AppendSlots(seqID uint64, contentLen, nNew int) []CopyOp {
	table := bm.tables[seqID]
	var ops []CopyOp

	// A write lands in the existing tail block only when it is partially
	// filled. A full shared block is never written again, so it needs no
	// copy.
	if len(table) > 0 && contentLen%bm.blockSize != 0 {
		last := table[len(table)-1]
		if bm.pool.RefCount(last) > 1 {
			dst := bm.mustAllocate()
			ops = append(ops, CopyOp{Src: last, Dst: dst})
			table[len(table)-1] = dst
			bm.pool.Release(last)
		}
	}

	needed := (contentLen + nNew + bm.blockSize - 1) / bm.blockSize
	for len(table) < needed {
		table = append(table, bm.mustAllocate())
	}
	bm.tables[seqID] = table
	return ops
}

func (bm *BlockManager) mustAllocate() int {
	id, err := bm.pool.Allocate()
	if err != nil {
		panic("append without capacity: CanAppendTokens must gate AppendSlots")
	}
	return id
}

// Fork duplicates the parent's block list into the child, bumping every
// refcount. No copy happens until a write.
func (bm *BlockManager) Fork(parentID, childID uint64) {
	parent, ok := bm.tables[parentID]
	if !ok {
		panic(fmt.Sprintf("fork from sequence %d with no block table", parentID))
	}
	child := make([]int, len(parent))
	copy(child, parent)
	for _, id := range child {
		bm.pool.Retain(id)
	}
	bm.tables[childID] = child
}

// Free releases every block in the sequence's list and drops the entry.
func (bm *BlockManager) Free(seqID uint64) {
	table, ok := bm.tables[seqID]
	if !ok {
		return
	}
	for i := len(table) - 1; i >= 0; i-- {
		bm.pool.Release(table[i])
	}
	delete(bm.tables, seqID)
}

// SwapOut frees every block owned by the group's sequences. Re-entry is by
// recomputation: the scheduler rewinds the group's counters and the next
// waiting pass re-prefills it from the prompt.
func (bm *BlockManager) SwapOut(group *SequenceGroup) {
	for _, seq := range group.Sequences() {
		bm.Free(seq.ID())
	}
}

// CanAppendTokens reports whether the pool can absorb scheduling nNew
// tokens for every running sequence of the group. Pessimistic: a shared
// tail about to be written counts as one fresh block per running sibling.
func (bm *BlockManager) CanAppendTokens(group *SequenceGroup, nNew int) bool {
	contentLen := group.NumProcessedTokens()
	needed := 0
	for _, seq := range group.RunningSequences() {
		table := bm.tables[seq.ID()]
		grow := (contentLen+nNew+bm.blockSize-1)/bm.blockSize - len(table)
		if grow > 0 {
			needed += grow
		}
		if len(table) > 0 && contentLen%bm.blockSize != 0 {
			if bm.pool.RefCount(table[len(table)-1]) > 1 {
				needed++
			}
		}
	}
	return needed <= bm.pool.FreeCount()
}

// FreeCount exposes the pool's free block count.
func (bm *BlockManager) FreeCount() int {
	return bm.pool.FreeCount()
}

// numSlotRefs counts the (sequence, slot) pairs held in block tables. Used
// by tests to check refcount conservation against the pool.
func (bm *BlockManager) numSlotRefs() int {
	total := 0
	for _, table := range bm.tables {
		total += len(table)
	}
	return total
}
