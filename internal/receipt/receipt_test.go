package receipt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func fixedReceipt() *Receipt {
	return &Receipt{
		V:         Version,
		ReceiptID: "r-1",
		TsMs:      1700000000000,
		TenantID:  "t1",
		RunID:     "run-1",
		Provider:  "openai",
		Model:     "gpt-4o-mini",
		Operation: "chat.completions",
		Request: Request{
			RequestID:              "req-1",
			InputTokensUpperBound:  50,
			OutputTokensUpperBound: 50,
		},
		Result: Result{
			OK:                true,
			Status:            200,
			ProviderRequestID: "chatcmpl-1",
			Usage:             &Usage{InputTokens: 100, OutputTokens: 50},
			EstimatedUSD:      0.00015,
			ActualUSD:         ptr(0.0002),
		},
	}
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner("local-k1", []byte{0x01, 0x02, 0x03, 0x04})
	require.NoError(t, err)
	return s
}

func TestCanonicalize(t *testing.T) {
	got, err := Canonicalize(map[string]any{
		"b": []any{3, "x", nil, true},
		"a": map[string]any{"z": 1.5, "y": "<&>"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":"<&>","z":1.5},"b":[3,"x",null,true]}`, string(got))
}

func TestCanonicalize_Receipt(t *testing.T) {
	got, err := Canonicalize(fixedReceipt())
	require.NoError(t, err)
	assert.Equal(t,
		`{"model":"gpt-4o-mini","operation":"chat.completions","provider":"openai",`+
			`"receiptId":"r-1","request":{"inputTokensUpperBound":50,"outputTokensUpperBound":50,"requestId":"req-1","stream":false},`+
			`"result":{"actualUsd":0.0002,"estimatedUsd":0.00015,"ok":true,"providerRequestId":"chatcmpl-1","status":200,`+
			`"usage":{"inputTokens":100,"outputTokens":50}},"runId":"run-1","tenantId":"t1","tsMs":1700000000000,"v":1}`,
		string(got))
}

type window string

func TestCanonicalize_CoercesNonJSONValues(t *testing.T) {
	got, err := Canonicalize(map[string]any{
		"nan":     math.NaN(),
		"complex": complex(1, 2),
		"named":   window("day"),
		"keys":    map[int]string{2: "b", 1: "a"},
		"when":    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"complex":"(1+2i)","keys":{"1":"a","2":"b"},"named":"day","nan":null,"when":"2026-01-02T03:04:05Z"}`,
		string(got))
}

// objectText renders keys in the given order; nested holds the same pairs
// under "inner" in reverse order.
func objectText(keys []string, values map[string]string) string {
	var b strings.Builder
	b.WriteString("{")
	for i, k := range keys {
		kj, _ := json.Marshal(k)
		vj, _ := json.Marshal(values[k])
		b.Write(kj)
		b.WriteString(":")
		b.Write(vj)
		if i < len(keys)-1 {
			b.WriteString(",")
		}
	}
	b.WriteString("}")
	return b.String()
}

func TestCanonicalize_OrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	signer := testSigner(t)

	properties.Property("key order never changes canonical bytes or signature", prop.ForAll(
		func(keys []string, values []string, seed int64) bool {
			pairs := map[string]string{}
			for i, k := range keys {
				if k == "" || k == "inner" {
					continue
				}
				v := ""
				if i < len(values) {
					v = values[i]
				}
				pairs[k] = v
			}
			ordered := make([]string, 0, len(pairs))
			for k := range pairs {
				ordered = append(ordered, k)
			}
			sort.Strings(ordered)

			shuffled := append([]string(nil), ordered...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			wrap := func(outer, inner []string) json.RawMessage {
				body := strings.TrimSuffix(objectText(outer, pairs), "}")
				if len(outer) > 0 {
					body += ","
				}
				return json.RawMessage(body + `"inner":` + objectText(inner, pairs) + "}")
			}
			a := wrap(ordered, shuffled)
			b := wrap(shuffled, ordered)

			ca, errA := Canonicalize(a)
			cb, errB := Canonicalize(b)
			if errA != nil || errB != nil {
				return false
			}
			sa, _ := signer.Sign(a)
			sb, _ := signer.Sign(b)
			return string(ca) == string(cb) && sa == sb
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestSignReceipt_StableAndVerifiable(t *testing.T) {
	s := testSigner(t)

	r := fixedReceipt()
	require.NoError(t, s.SignReceipt(r))
	require.NotNil(t, r.Signature)
	assert.Equal(t, AlgHS256, r.Signature.Alg)
	assert.Equal(t, "local-k1", r.Signature.KeyID)
	assert.NotContains(t, r.Signature.Sig, "=")
	assert.Equal(t, "vnFYXdSp7WUAvuVSOUFtLsT_XfCfnB-KEGsmlJdnHfc", r.Signature.Sig)

	again := fixedReceipt()
	require.NoError(t, s.SignReceipt(again))
	assert.Equal(t, r.Signature.Sig, again.Signature.Sig)

	require.NoError(t, s.Verify(r))
}

func TestVerify_DetectsTampering(t *testing.T) {
	s := testSigner(t)
	r := fixedReceipt()
	require.NoError(t, s.SignReceipt(r))

	tampered := *r
	tampered.Result.EstimatedUSD = 0
	assert.ErrorIs(t, s.Verify(&tampered), ErrSignatureMismatch)

	other, err := NewSigner("local-k1", []byte("different"))
	require.NoError(t, err)
	assert.ErrorIs(t, other.Verify(r), ErrSignatureMismatch)

	rotated, err := NewSigner("local-k2", []byte{0x01, 0x02, 0x03, 0x04})
	require.NoError(t, err)
	assert.ErrorIs(t, rotated.Verify(r), ErrKeyMismatch)

	assert.ErrorIs(t, s.Verify(fixedReceipt()), ErrUnsigned)
}

func TestNewSigner_Validation(t *testing.T) {
	_, err := NewSigner("", []byte{1})
	assert.Error(t, err)
	_, err = NewSigner("k", nil)
	assert.Error(t, err)
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "receipts")
	sink := NewFileSink(dir)
	s := testSigner(t)
	r := fixedReceipt()
	require.NoError(t, s.SignReceipt(r))

	require.NoError(t, sink.Write(context.Background(), r))

	path := filepath.Join(dir, "1700000000000-r-1.json")
	assert.Equal(t, path, sink.Path(r))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), "}\n"))
	assert.NoError(t, s.VerifyJSON(raw))

	bad := fixedReceipt()
	bad.ReceiptID = "../escape"
	assert.Error(t, sink.Write(context.Background(), bad))
}

func TestVerifyJSON_CoversUnknownFields(t *testing.T) {
	s := testSigner(t)
	doc := map[string]any{"v": 1, "receiptId": "x", "extra": map[string]any{"b": 2, "a": 1}}
	sig, err := s.Sign(doc)
	require.NoError(t, err)
	doc["signature"] = map[string]any{"alg": AlgHS256, "keyId": "local-k1", "sig": sig}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, s.VerifyJSON(raw))

	doc["extra"] = map[string]any{"b": 3, "a": 1}
	raw, err = json.Marshal(doc)
	require.NoError(t, err)
	assert.ErrorIs(t, s.VerifyJSON(raw), ErrSignatureMismatch)
}

func TestSQLiteSink(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	sink, err := NewSQLiteSink(db)
	require.NoError(t, err)
	s := testSigner(t)
	ctx := context.Background()

	r := fixedReceipt()
	require.NoError(t, s.SignReceipt(r))
	require.NoError(t, sink.Write(ctx, r))
	assert.Error(t, sink.Write(ctx, r), "receipt ids are unique")

	raw, err := sink.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.NoError(t, s.VerifyJSON(raw))

	_, err = sink.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := sink.ListByTenant(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r, list[0])
}

type execRecorder struct {
	sqls []string
	args [][]any
	err  error
}

func (e *execRecorder) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	e.sqls = append(e.sqls, sql)
	e.args = append(e.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), e.err
}

func TestPostgresSink(t *testing.T) {
	db := &execRecorder{}
	sink := NewPostgresSink(db)
	ctx := context.Background()

	require.NoError(t, sink.EnsureSchema(ctx))
	r := fixedReceipt()
	require.NoError(t, sink.Write(ctx, r))
	require.Len(t, db.args, 2)
	args := db.args[1]
	assert.Equal(t, "r-1", args[0])
	assert.Equal(t, int64(1700000000000), args[1])
	body, ok := args[10].([]byte)
	require.True(t, ok)
	want, err := Canonicalize(r)
	require.NoError(t, err)
	assert.Equal(t, want, body)

	db.err = errors.New("connection refused")
	assert.Error(t, sink.Write(ctx, r))
}

func TestAsyncSink_DrainsOnClose(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	next := SinkFunc(func(_ context.Context, r *Receipt) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.ReceiptID)
		return nil
	})
	a := NewAsyncSink(next, 8, nil)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, a.Write(context.Background(), &Receipt{ReceiptID: id}))
	}
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	assert.ErrorIs(t, a.Write(context.Background(), &Receipt{ReceiptID: "late"}), ErrSinkClosed)
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	next := SinkFunc(func(context.Context, *Receipt) error {
		started <- struct{}{}
		<-release
		return errors.New("disk full")
	})
	var drops int
	a := NewAsyncSink(next, 1, nil, WithDropHook(func() { drops++ }))

	require.NoError(t, a.Write(context.Background(), &Receipt{ReceiptID: "1"}))
	<-started // worker holds "1"
	require.NoError(t, a.Write(context.Background(), &Receipt{ReceiptID: "2"}))
	assert.ErrorIs(t, a.Write(context.Background(), &Receipt{ReceiptID: "3"}), ErrQueueFull)
	assert.Equal(t, 1, drops)

	close(release)
	<-started
	require.NoError(t, a.Close(context.Background()))
}
