package rkstate

import (
	"context"
	"errors"
	"io"
)

// IngestOptions tune Ingest.
type IngestOptions struct {
	Verify VerifyOptions
	// OnChunk, if set, is called after each fully applied chunk with the
	// running totals.
	OnChunk func(IngestStats)
}

// IngestStats counts what Ingest applied.
type IngestStats struct {
	Chunks   int
	Groups   int
	Receipts int
}

// Ingest verifies the receipts of src in stream order and applies them to
// the register at idx. key is the turnover counter key or nil.
//
// Per receipt: decode, check that its ID is unused, VerifyAndApply, record
// its ID. Ingest stops at the first error; receipts applied before it stay
// applied. Receipt level errors are returned as *ReceiptError.
func (c *ClusterState) Ingest(ctx context.Context, idx int, src ChunkSource, key []byte, opts IngestOptions) (IngestStats, error) {
	var stats IngestStats
	reg, err := c.CashRegister(idx)
	if err != nil {
		return stats, err
	}
	vopts := opts.Verify
	vopts.prevStart = c.prevStart(idx)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, &ReceiptError{Register: idx, Err: err}
		}
		for _, g := range chunk {
			for _, jws := range g.Receipts {
				if err := c.ingestOne(reg, jws, g.Signer, key, vopts); err != nil {
					return stats, &ReceiptError{Register: idx, ReceiptID: receiptIDOf(jws), Err: err}
				}
				stats.Receipts++
			}
			stats.Groups++
		}
		stats.Chunks++
		log.Debugw("applied chunk", "register", idx, "chunks", stats.Chunks, "receipts", stats.Receipts)
		if opts.OnChunk != nil {
			opts.OnChunk(stats)
		}
	}
	log.Infow("ingested export", "register", idx, "chunks", stats.Chunks, "groups", stats.Groups, "receipts", stats.Receipts)
	return stats, nil
}

func (c *ClusterState) ingestOne(reg *CashRegisterState, jws string, signer *Signer, key []byte, opts VerifyOptions) error {
	rec, err := ParseJWS(jws)
	if err != nil {
		return err
	}
	used, err := c.ids.Contains(rec.ReceiptID)
	if err != nil {
		return err
	}
	if used {
		return ErrDuplicateReceipt
	}
	if err := reg.VerifyAndApply(rec, signer, key, opts); err != nil {
		return err
	}
	return c.ids.Add(rec.ReceiptID)
}

// receiptIDOf extracts the receipt ID for error reports, or "" if jws cannot
// be decoded.
func receiptIDOf(jws string) string {
	rec, err := ParseJWS(jws)
	if err != nil {
		return ""
	}
	return rec.ReceiptID
}

// Chunks is a ChunkSource over chunks held in memory.
type Chunks []Chunk

// Next returns the first remaining chunk.
func (c *Chunks) Next() (Chunk, error) {
	if len(*c) == 0 {
		return nil, io.EOF
	}
	next := (*c)[0]
	*c = (*c)[1:]
	return next, nil
}
