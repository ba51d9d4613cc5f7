package queue

import (
	"encoding/binary"

	"github.com/dmaclab/nvmeq/internal/constants"
	"github.com/dmaclab/nvmeq/internal/hw"
	"github.com/dmaclab/nvmeq/internal/nverr"
	"github.com/dmaclab/nvmeq/internal/wire"
)

// BuildPRP fills sqe's data pointer fields for a transfer of length bytes
// starting at offset off within buf, per the PRP rules:
//
//   - PRP1 points at the first byte and may be offset within a page;
//   - a transfer that ends within the next page uses PRP2 as a second
//     page pointer;
//   - anything longer places the remaining page addresses in a PRP list
//     page taken from pool, referenced by PRP2.
//
// Transfers needing more than one list page are rejected; callers cap
// sizes at MDTS well below that. The returned release function returns the
// list page to the pool and must run once the command resolves.
func BuildPRP(sqe *wire.Sqe, buf *hw.Buffer, off, length int, pool *BufferPool) (func(), error) {
	release := func() {}
	if length <= 0 || off < 0 || off+length > buf.Size() {
		return nil, nverr.New("BUILD_PRP", nverr.CodeInvalidParameters, "transfer outside buffer")
	}
	sqe.PRP1 = buf.PhysAt(off)
	first := constants.PageSize - off%constants.PageSize
	if length <= first {
		sqe.PRP2 = 0
		return release, nil
	}

	// Page-aligned remainder after the first chunk.
	npages := (length - first + constants.PageSize - 1) / constants.PageSize
	if npages == 1 {
		sqe.PRP2 = buf.PhysAt(off + first)
		return release, nil
	}
	if npages > constants.PRPListEntries {
		return nil, nverr.New("BUILD_PRP", nverr.CodeTransferTooLarge,
			"transfer exceeds a single PRP list")
	}

	list, err := pool.Get(constants.PageSize)
	if err != nil {
		return nil, nverr.Wrap("BUILD_PRP", err)
	}
	for i := 0; i < npages; i++ {
		addr := buf.PhysAt(off + first + i*constants.PageSize)
		binary.LittleEndian.PutUint64(list.Virt[i*8:i*8+8], addr)
	}
	sqe.PRP2 = list.Phys
	release = func() { pool.Put(list) }
	return release, nil
}
