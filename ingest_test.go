package rkstate

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/karasz/rkstate/internal/testutil"
)

func newTestCluster(t *testing.T, registers int) *ClusterState {
	t.Helper()
	c := NewClusterState(newMemoryIDs(nil))
	for range registers {
		c.AddCashRegister()
	}
	return c
}

func TestIngestExport(t *testing.T) {
	s := testutil.NewSigner(t, 0xabc)
	key := testutil.NewKey(t)
	reg := testutil.NewRegister(t, "REG-1", s, key)

	var receipts []string
	for _, cents := range []int64{500, 120, 0, 999, -20} {
		receipts = append(receipts, reg.Receipt(cents))
	}
	export := testutil.Export(t,
		testutil.Group{Cert: s.Cert, Receipts: receipts[:2]},
		testutil.Group{Cert: s.Cert, Receipts: receipts[2:]},
	)

	c := newTestCluster(t, 1)
	var calls []IngestStats
	stats, err := c.Ingest(t.Context(), 0, NewExportParser(bytes.NewReader(export), 2), key, IngestOptions{
		OnChunk: func(s IngestStats) { calls = append(calls, s) },
	})
	require.NoError(t, err)
	require.Equal(t, IngestStats{Chunks: 3, Groups: 3, Receipts: 5}, stats)
	require.Len(t, calls, 3)
	require.Equal(t, 4, calls[1].Receipts)

	st, err := c.CashRegister(0)
	require.NoError(t, err)
	require.EqualValues(t, 1599, st.LastTurnoverCounter)
	require.Equal(t, reg.Last, *st.LastReceiptJWS)
	require.Equal(t, receipts[0], *st.StartReceiptJWS)
	n, err := c.UsedReceiptIDs().Len()
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestIngestClosedSystemExport(t *testing.T) {
	s := testutil.NewSigner(t, 0xabc)
	key := testutil.NewKey(t)
	reg := testutil.NewRegister(t, "REG-1", s, key)
	receipts := []string{reg.Receipt(0), reg.Receipt(250), reg.Receipt(99)}
	export := testutil.Export(t, testutil.Group{Receipts: receipts})

	c := newTestCluster(t, 1)
	_, err := c.Ingest(t.Context(), 0, NewExportParser(bytes.NewReader(export), 2), key, IngestOptions{})
	require.ErrorIs(t, err, ErrInvalidSignature)

	c = newTestCluster(t, 1)
	opts := IngestOptions{Verify: VerifyOptions{Keys: MapKeyStore{s.Serial: &s.Key.PublicKey}}}
	stats, err := c.Ingest(t.Context(), 0, NewExportParser(bytes.NewReader(export), 2), key, opts)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Receipts)
	st, err := c.CashRegister(0)
	require.NoError(t, err)
	require.EqualValues(t, 349, st.LastTurnoverCounter)
	require.Equal(t, reg.Last, *st.LastReceiptJWS)
}

func TestIngestStopsAtInvalidReceipt(t *testing.T) {
	s := testutil.NewSigner(t, 1)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	reg := testutil.NewRegister(t, "REG-1", s, nil)
	r1 := reg.Receipt(100)
	r2 := reg.ReceiptWith(100, testutil.Opts{SignWith: other})
	r3 := reg.Receipt(100)

	c := newTestCluster(t, 1)
	chunks := Chunks{{{Receipts: []string{r1, r2, r3}, Signer: signerOf(s)}}}
	stats, err := c.Ingest(t.Context(), 0, &chunks, nil, IngestOptions{})
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Equal(t, 1, stats.Receipts)

	var re *ReceiptError
	require.True(t, errors.As(err, &re))
	require.Equal(t, 0, re.Register)
	require.Equal(t, "REG-1-2", re.ReceiptID)

	st, err := c.CashRegister(0)
	require.NoError(t, err)
	require.Equal(t, StatusBroken, st.Status())
	require.Equal(t, r1, *st.LastReceiptJWS)

	used, err := c.UsedReceiptIDs().Contains("REG-1-2")
	require.NoError(t, err)
	require.False(t, used)
}

func TestIngestDuplicateAcrossRegisters(t *testing.T) {
	s := testutil.NewSigner(t, 1)
	c := newTestCluster(t, 2)

	a := testutil.NewRegister(t, "REG-A", s, nil)
	chunks := Chunks{{{Receipts: []string{a.ReceiptWith(100, testutil.Opts{ReceiptID: "shared"})}, Signer: signerOf(s)}}}
	_, err := c.Ingest(t.Context(), 0, &chunks, nil, IngestOptions{})
	require.NoError(t, err)

	regA, err := c.CashRegister(0)
	require.NoError(t, err)
	b := testutil.NewRegister(t, "REG-B", s, nil)
	b.Genesis = *regA.StartReceiptJWS
	chunks = Chunks{{{Receipts: []string{b.ReceiptWith(100, testutil.Opts{ReceiptID: "shared"})}, Signer: signerOf(s)}}}
	_, err = c.Ingest(t.Context(), 1, &chunks, nil, IngestOptions{})
	require.ErrorIs(t, err, ErrDuplicateReceipt)

	regB, err := c.CashRegister(1)
	require.NoError(t, err)
	require.Equal(t, StatusEmpty, regB.Status())
}

func TestIngestMalformedReceipt(t *testing.T) {
	c := newTestCluster(t, 1)
	chunks := Chunks{{{Receipts: []string{"not.a.receipt"}}}}
	_, err := c.Ingest(t.Context(), 0, &chunks, nil, IngestOptions{})
	require.ErrorIs(t, err, ErrMalformedReceipt)

	st, err := c.CashRegister(0)
	require.NoError(t, err)
	require.Equal(t, StatusEmpty, st.Status())
}

func TestIngestParseErrorKeepsAppliedChunks(t *testing.T) {
	s := testutil.NewSigner(t, 1)
	reg := testutil.NewRegister(t, "REG-1", s, nil)
	export := testutil.Export(t, testutil.Group{Cert: s.Cert, Receipts: []string{reg.Receipt(100), reg.Receipt(100)}})
	// Cut the document inside the second receipt.
	export = export[:len(export)-20]

	c := newTestCluster(t, 1)
	stats, err := c.Ingest(t.Context(), 0, NewExportParser(bytes.NewReader(export), 1), nil, IngestOptions{})
	require.ErrorIs(t, err, ErrParse)
	require.Equal(t, 1, stats.Receipts)

	st, err := c.CashRegister(0)
	require.NoError(t, err)
	require.Equal(t, StatusActive, st.Status())
}

func TestIngestCancelled(t *testing.T) {
	s := testutil.NewSigner(t, 1)
	reg := testutil.NewRegister(t, "REG-1", s, nil)
	c := newTestCluster(t, 1)
	chunks := Chunks{{{Receipts: []string{reg.Receipt(100)}, Signer: signerOf(s)}}}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	stats, err := c.Ingest(ctx, 0, &chunks, nil, IngestOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, stats.Receipts)
}

func TestIngestInvalidIndex(t *testing.T) {
	c := newTestCluster(t, 1)
	var chunks Chunks
	_, err := c.Ingest(t.Context(), 1, &chunks, nil, IngestOptions{})
	require.ErrorIs(t, err, ErrInvalidRegisterIndex)
}

func TestIngestClusterChaining(t *testing.T) {
	s := testutil.NewSigner(t, 1)
	c := newTestCluster(t, 2)

	a := testutil.NewRegister(t, "REG-A", s, nil)
	chunks := Chunks{{{Receipts: []string{a.Receipt(0), a.Receipt(100)}, Signer: signerOf(s)}}}
	_, err := c.Ingest(t.Context(), 0, &chunks, nil, IngestOptions{})
	require.NoError(t, err)

	// The second register does not start over its own ID.
	b := testutil.NewRegister(t, "REG-B", s, nil)
	chunks = Chunks{{{Receipts: []string{b.Receipt(0)}, Signer: signerOf(s)}}}
	_, err = c.Ingest(t.Context(), 1, &chunks, nil, IngestOptions{})
	require.ErrorIs(t, err, ErrChainBreak)

	require.NoError(t, c.ResetCashRegister(1))
	regA, err := c.CashRegister(0)
	require.NoError(t, err)
	b = testutil.NewRegister(t, "REG-B", s, nil)
	b.Genesis = *regA.StartReceiptJWS
	chunks = Chunks{{{Receipts: []string{b.ReceiptWith(0, testutil.Opts{ReceiptID: "B-1"}), b.Receipt(50)}, Signer: signerOf(s)}}}
	_, err = c.Ingest(t.Context(), 1, &chunks, nil, IngestOptions{})
	require.NoError(t, err)
}
