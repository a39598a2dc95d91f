package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/aegis-gateway/internal/receipt"
)

func signedReceipt(t *testing.T, id string) *receipt.Receipt {
	t.Helper()
	s, err := receipt.NewSigner("local-k1", []byte{0x01, 0x02, 0x03, 0x04})
	require.NoError(t, err)
	actual := 0.0002
	r := &receipt.Receipt{
		V:         receipt.Version,
		ReceiptID: id,
		TsMs:      1700000000000,
		TenantID:  "t1",
		Provider:  "openai",
		Model:     "gpt-4o-mini",
		Operation: "chat.completions",
		Result: receipt.Result{
			OK:           true,
			Status:       200,
			EstimatedUSD: 0.0003,
			ActualUSD:    &actual,
		},
	}
	require.NoError(t, s.SignReceipt(r))
	return r
}

func writeReceipt(t *testing.T, dir string, r *receipt.Receipt) string {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	path := filepath.Join(dir, r.ReceiptID+".json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVerify_OK(t *testing.T) {
	path := writeReceipt(t, t.TempDir(), signedReceipt(t, "r-1"))

	out, err := run(t, "verify", path)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")
}

func TestVerify_Tampered(t *testing.T) {
	dir := t.TempDir()
	good := writeReceipt(t, dir, signedReceipt(t, "r-1"))

	r := signedReceipt(t, "r-2")
	r.Result.EstimatedUSD = 9
	bad := writeReceipt(t, dir, r)

	out, err := run(t, "verify", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, "FAIL "+bad)
}

func TestVerify_WrongKey(t *testing.T) {
	path := writeReceipt(t, t.TempDir(), signedReceipt(t, "r-1"))

	_, err := run(t, "verify", "--key-id", "other", path)
	require.Error(t, err)
}

func TestVerify_RequiresFile(t *testing.T) {
	_, err := run(t, "verify")
	require.Error(t, err)
}

func TestReceipts_ListAndGet(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "receipts.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	store, err := receipt.NewSQLiteSink(db)
	require.NoError(t, err)
	require.NoError(t, store.Write(context.Background(), signedReceipt(t, "r-1")))
	require.NoError(t, db.Close())

	out, err := run(t, "receipts", "--db", dbPath, "--tenant", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "r-1")
	assert.Contains(t, out, "actual=0.000200")

	out, err = run(t, "receipts", "--db", dbPath, "--id", "r-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"receiptId":"r-1"`)

	_, err = run(t, "receipts", "--db", dbPath, "--id", "missing")
	require.Error(t, err)
}
