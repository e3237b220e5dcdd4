package rm

import (
	"github.com/odysseus-cosmos/storage-core/errs"
	"github.com/odysseus-cosmos/storage-core/page"
	"github.com/odysseus-cosmos/storage-core/types"
)

// OpCode identifies which redo handler a LogRecord replays.
type OpCode uint16

const (
	OpInsertOidIntoOverflow OpCode = iota + 1
)

// LogRecord is the in-memory form of one logged page mutation: enough to
// redo it against the page named by PageID if the page's own LSN shows
// the mutation hasn't already been applied.
type LogRecord struct {
	LSN    uint64
	PageID types.PageID
	Op     OpCode
	OID    types.ObjectID
}

// RedoHandler applies one logged mutation's effect to p in place. Handlers
// assume p is already the correct page for the record and do not
// themselves check LSNs; that is Apply's job.
type RedoHandler func(p *page.Page, rec LogRecord) error

// HandlerTable dispatches a LogRecord's Op to its RedoHandler.
type HandlerTable map[OpCode]RedoHandler

// DefaultHandlers returns the handler table for the redo operations this
// build knows how to replay.
func DefaultHandlers() HandlerTable {
	return HandlerTable{
		OpInsertOidIntoOverflow: InsertOidIntoOverflow,
	}
}

// Apply replays rec against p if p's stored LSN predates rec's, mirroring
// the original's implicit LSN comparison before invoking a redo handler
// (spec.md invariant 8, idempotence): a page already at or past rec.LSN
// is left untouched so redo can be driven over the same log twice safely.
func Apply(handlers HandlerTable, p *page.Page, rec LogRecord) error {
	if p.LSN() >= rec.LSN {
		log.Debug().Uint32("page", rec.PageID.PageNo).Uint64("lsn", rec.LSN).
			Msg("redo record already applied, skipping")
		return nil
	}
	h, ok := handlers[rec.Op]
	if !ok {
		return errs.New("rm.Apply", errs.BadParameter).WithPage(rec.PageID.VolNo, rec.PageID.PageNo)
	}
	if err := h(p, rec); err != nil {
		return err
	}
	p.SetLSN(rec.LSN)
	return nil
}

// InsertOidIntoOverflow redoes the insert of one ObjectID into a
// duplicate-key overflow chain page, grounded in
// Redo_BtM_InsertOidIntoLeafEntry.c, which resizes the entry's OID array
// by one slot and inserts the new OID at a recorded position. This handler
// appends the OID as the page's last slot instead: LogRecord carries no
// position, so the OID does not land at the sorted position btm's insert
// path gives it, and a full page is not split (Append fails with
// errs.Overflow) — see DESIGN.md.
func InsertOidIntoOverflow(p *page.Page, rec LogRecord) error {
	if p.Type() != page.TypeOverflow {
		return errs.New("rm.InsertOidIntoOverflow", errs.BadBTreePage).WithPage(rec.PageID.VolNo, rec.PageID.PageNo)
	}
	entry := rec.OID.Encode()
	_, err := p.Append(entry[:])
	return err
}
