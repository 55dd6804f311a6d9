package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/karasz/rkstate/internal/testutil"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, args ...string) result {
	t.Helper()
	root := NewRootCmd()
	var out, errb bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errb)
	code := execute(t.Context(), root, args)
	return result{code: code, stdout: out.String(), stderr: errb.String()}
}

// runOK runs a command that must succeed.
func runOK(t *testing.T, args ...string) string {
	t.Helper()
	res := run(t, args...)
	require.Equal(t, 0, res.code, "stderr: %s", res.stderr)
	return res.stdout
}

type stateDoc struct {
	CashRegisters []struct {
		StartReceiptJWS     *string `json:"startReceiptJWS"`
		LastReceiptJWS      *string `json:"lastReceiptJWS"`
		LastTurnoverCounter int64   `json:"lastTurnoverCounter"`
		ChainNextTo         *string `json:"chainNextTo"`
		NeedRestoreReceipt  bool    `json:"needRestoreReceipt"`
	} `json:"cashRegisters"`
	UsedReceiptIDs struct {
		BackendType string          `json:"backendType"`
		Data        json.RawMessage `json:"data"`
	} `json:"usedReceiptIds"`
}

func readState(t *testing.T, path string) stateDoc {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc stateDoc
	require.NoError(t, json.Unmarshal(b, &doc))
	return doc
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCreateAddShow(t *testing.T) {
	state := filepath.Join(t.TempDir(), "state.json")
	runOK(t, "--state", state, "create")
	runOK(t, "--state", state, "add")
	runOK(t, "--state", state, "add")

	out := runOK(t, "--state", state, "show")
	require.Contains(t, out, "Cash Register 0:")
	require.Contains(t, out, "Cash Register 1:")
	require.Contains(t, out, "Status: empty")
	require.Contains(t, out, "Used Receipt IDs Backend: memory")

	out = runOK(t, "--state", state, "show", "--format", "yaml")
	require.Contains(t, out, "backendType: memory")
	require.Contains(t, out, "index: 1")

	out = runOK(t, "--state", state, "show", "--format", "json")
	b, err := os.ReadFile(state)
	require.NoError(t, err)
	require.Equal(t, string(b), out)

	runOK(t, "--state", state, "delete", "0")
	require.Len(t, readState(t, state).CashRegisters, 1)
}

func TestUsageErrorsExitZero(t *testing.T) {
	state := filepath.Join(t.TempDir(), "state.json")
	for _, args := range [][]string{
		{"create", "extra"},
		{"reset"},
		{"reset", "one"},
		{"create", "--bogus"},
		{"show", "--format", "xml"},
		{"update", "0"},
		{"from-receipt", "url", "x"},
	} {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			res := run(t, append([]string{"--state", state}, args...)...)
			require.Equal(t, 0, res.code)
			require.Contains(t, res.stderr, "Usage:")
			require.NoFileExists(t, state)
		})
	}
}

func TestMissingStateFails(t *testing.T) {
	res := run(t, "--state", filepath.Join(t.TempDir(), "missing.json"), "add")
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "Error:")
}

func TestUpdate(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state.json")
	s := testutil.NewSigner(t, 0x77)
	key := testutil.NewKey(t)
	reg := testutil.NewRegister(t, "KASSE-1", s, key)
	receipts := []string{reg.Receipt(0), reg.Receipt(1999), reg.Receipt(501)}
	export := writeFile(t, dir, "dep.json", string(testutil.Export(t, testutil.Group{Cert: s.Cert, Receipts: receipts})))
	keyFile := writeFile(t, dir, "key.txt", testutil.KeyFile(key))

	runOK(t, "--state", state, "create")
	runOK(t, "--state", state, "add")
	out := runOK(t, "--state", state, "update", "0", export, keyFile)
	require.Equal(t, "verified 3 receipts in 1 groups\n", out)

	doc := readState(t, state)
	require.EqualValues(t, 2500, doc.CashRegisters[0].LastTurnoverCounter)
	require.Equal(t, receipts[2], *doc.CashRegisters[0].LastReceiptJWS)
	require.Equal(t, receipts[0], *doc.CashRegisters[0].StartReceiptJWS)

	before, err := os.ReadFile(state)
	require.NoError(t, err)

	// Replaying the export hits used receipt IDs and leaves the state alone.
	res := run(t, "--state", state, "update", "0", export, keyFile)
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "duplicate receipt id")
	after, err := os.ReadFile(state)
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))

	res = run(t, "--state", state, "update", "5", export)
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "invalid cash register index")
}

func TestUpdateClosedSystemWithKeyStore(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state.json")
	s := testutil.NewSigner(t, 0x5e)
	key := testutil.NewKey(t)
	reg := testutil.NewRegister(t, "KASSE-1", s, key)
	receipts := []string{reg.Receipt(0), reg.Receipt(700), reg.Receipt(-50)}
	export := writeFile(t, dir, "dep.json", string(testutil.Export(t, testutil.Group{Receipts: receipts})))
	keyStore := writeFile(t, dir, "keys.json", testutil.KeyStore(t, key, s))

	runOK(t, "--state", state, "create")
	runOK(t, "--state", state, "add")

	res := run(t, "--state", state, "update", "0", export)
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "no key for 5e")

	out := runOK(t, "--state", state, "--key-store", keyStore, "update", "0", export)
	require.Equal(t, "verified 3 receipts in 1 groups\n", out)
	doc := readState(t, state)
	require.EqualValues(t, 650, doc.CashRegisters[0].LastTurnoverCounter)
	require.Equal(t, receipts[2], *doc.CashRegisters[0].LastReceiptJWS)

	res = run(t, "--state", state, "--key-store", filepath.Join(dir, "missing.json"), "update", "0", export)
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "read key store")
}

func TestUpdateWithSQLiteBackend(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state.json")
	s := testutil.NewSigner(t, 1)
	reg := testutil.NewRegister(t, "KASSE-1", s, nil)
	export := writeFile(t, dir, "dep.json", string(testutil.Export(t,
		testutil.Group{Cert: s.Cert, Receipts: []string{reg.Receipt(0), reg.Receipt(100)}})))

	runOK(t, "--state", state, "--backend", "sqlite", "--backend-path", filepath.Join(dir, "ids.db"), "create")
	runOK(t, "--state", state, "add")
	runOK(t, "--state", state, "--chunk-size", "1", "update", "0", export)

	doc := readState(t, state)
	require.Equal(t, "sqlite", doc.UsedReceiptIDs.BackendType)
	out := runOK(t, "--state", state, "show")
	require.Contains(t, out, "Used Receipt IDs: 2")
}

func TestRegisterSetters(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state.json")
	s := testutil.NewSigner(t, 1)
	jws := testutil.NewRegister(t, "KASSE-1", s, nil).Receipt(100)

	runOK(t, "--state", state, "create")
	runOK(t, "--state", state, "add")

	// A counter or restore flag without a last receipt is rejected.
	require.Equal(t, 1, run(t, "--state", state, "set-last-counter", "0", "5").code)
	require.Equal(t, 1, run(t, "--state", state, "toggle-restore", "0").code)
	require.Equal(t, 1, run(t, "--state", state, "set-last-receipt", "0", "garbage").code)

	runOK(t, "--state", state, "set-last-receipt", "0", jws)
	runOK(t, "--state", state, "set-last-counter", "0", "7")
	runOK(t, "--state", state, "toggle-restore", "0")
	runOK(t, "--state", state, "set-chain-next-to", "0", "AAAAAAAAAAA=")
	runOK(t, "--state", state, "set-start-receipt", "0", jws)

	reg := readState(t, state).CashRegisters[0]
	require.Equal(t, jws, *reg.LastReceiptJWS)
	require.Equal(t, jws, *reg.StartReceiptJWS)
	require.EqualValues(t, 7, reg.LastTurnoverCounter)
	require.True(t, reg.NeedRestoreReceipt)
	require.Equal(t, "AAAAAAAAAAA=", *reg.ChainNextTo)

	runOK(t, "--state", state, "set-chain-next-to", "0", "None")
	runOK(t, "--state", state, "set-start-receipt", "0", "None")
	runOK(t, "--state", state, "reset", "0")
	reg = readState(t, state).CashRegisters[0]
	require.Nil(t, reg.LastReceiptJWS)
	require.Nil(t, reg.StartReceiptJWS)
	require.Nil(t, reg.ChainNextTo)
	require.Zero(t, reg.LastTurnoverCounter)
}

func TestReadIDs(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state.json")
	runOK(t, "--state", state, "create")

	list := writeFile(t, dir, "ids.txt", "b\n\n  a \n")
	runOK(t, "--state", state, "read-ids", list)
	require.JSONEq(t, `["a","b"]`, string(readState(t, state).UsedReceiptIDs.Data))

	runOK(t, "--state", state, "read-ids", "None")
	require.JSONEq(t, `[]`, string(readState(t, state).UsedReceiptIDs.Data))
}

func TestFromReceipt(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state.json")
	s := testutil.NewSigner(t, 1)
	key := testutil.NewKey(t)
	reg := testutil.NewRegister(t, "KASSE-1", s, key)
	reg.Receipt(700)
	seed := reg.Receipt(300)
	keyFile := writeFile(t, dir, "key.txt", testutil.KeyFile(key))

	runOK(t, "--state", state, "from-receipt", "qr", testutil.QRCode(t, seed), keyFile)
	doc := readState(t, state)
	require.Len(t, doc.CashRegisters, 1)
	require.EqualValues(t, 1000, doc.CashRegisters[0].LastTurnoverCounter)
	require.Equal(t, seed, *doc.CashRegisters[0].LastReceiptJWS)
	require.JSONEq(t, `["KASSE-1-2"]`, string(doc.UsedReceiptIDs.Data))

	// The chain continues from the seeded receipt.
	export := writeFile(t, dir, "dep.json", string(testutil.Export(t,
		testutil.Group{Cert: s.Cert, Receipts: []string{reg.Receipt(1)}})))
	runOK(t, "--state", state, "update", "0", export, keyFile)
	require.EqualValues(t, 1001, readState(t, state).CashRegisters[0].LastTurnoverCounter)
}

func TestFromStartReceiptChainsNextRegister(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state.json")
	s := testutil.NewSigner(t, 1)
	start := testutil.NewRegister(t, "KASSE-1", s, nil).Receipt(0)

	runOK(t, "--state", state, "from-start-receipt", "csv", testutil.CSV(t, start))
	runOK(t, "--state", state, "add")

	next := testutil.NewRegister(t, "KASSE-2", s, nil)
	next.Genesis = start
	export := writeFile(t, dir, "dep.json", string(testutil.Export(t,
		testutil.Group{Cert: s.Cert, Receipts: []string{next.Receipt(0)}})))
	runOK(t, "--state", state, "update", "1", export)
}

func TestCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.json")
	dst := filepath.Join(dir, "dst.json")
	s := testutil.NewSigner(t, 1)
	jws := testutil.NewRegister(t, "KASSE-1", s, nil).Receipt(100)

	runOK(t, "--state", src, "from-receipt", "jws", jws)
	runOK(t, "--state", dst, "create")
	runOK(t, "--state", dst, "add")
	runOK(t, "--state", dst, "copy", "0", src, "0")
	require.Equal(t, jws, *readState(t, dst).CashRegisters[0].LastReceiptJWS)

	res := run(t, "--state", dst, "copy", "0", src, "3")
	require.Equal(t, 1, res.code)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state.json")
	cfg := writeFile(t, dir, "rkstate.yaml", "state:\n  receipt_ids: leveldb\n  receipt_ids_path: "+filepath.Join(dir, "ids")+"\n")

	runOK(t, "--state", state, "--config", cfg, "create")
	require.Equal(t, "leveldb", readState(t, state).UsedReceiptIDs.BackendType)

	bad := writeFile(t, dir, "bad.yaml", "verify:\n  counter_policy: lenient\n")
	res := run(t, "--state", state, "--config", bad, "show")
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "counter policy")
}
