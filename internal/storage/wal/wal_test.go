package wal

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(kind Kind, name string, v any) Record {
	data, _ := json.Marshal(v)
	return Record{Kind: kind, Op: OpPut, Name: name, Data: data}
}

func collect(t *testing.T, w *WAL, after uint64) [][]Record {
	t.Helper()
	var txs [][]Record
	_, err := w.Replay(after, func(recs []Record) error {
		txs = append(txs, recs)
		return nil
	})
	require.NoError(t, err)
	return txs
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal", "store.wal")
	w, err := Open(path, true)
	require.NoError(t, err)
	defer w.Close()

	seq, err := w.Append([]Record{put(KindJob, "a", map[string]string{"x": "1"}), put(KindTrigger, "t", 1)})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	seq, err = w.Append([]Record{{Kind: KindJob, Op: OpDelete, Name: "a"}})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, uint64(3), w.LastSeq())

	txs := collect(t, w, 0)
	require.Len(t, txs, 2)
	require.Len(t, txs[0], 2)
	assert.Equal(t, KindJob, txs[0][0].Kind)
	assert.False(t, txs[0][0].Last)
	assert.True(t, txs[0][1].Last)
	assert.Equal(t, txs[0][0].TxID, txs[0][1].TxID)
	assert.Equal(t, OpDelete, txs[1][0].Op)

	// 只重放 seq 2 之後
	txs = collect(t, w, 2)
	require.Len(t, txs, 1)
	assert.Equal(t, uint64(3), txs[0][0].Seq)
}

func TestEmptyAppendIsNoop(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "store.wal"), false)
	require.NoError(t, err)
	defer w.Close()

	seq, err := w.Append(nil)
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Empty(t, collect(t, w, 0))
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.wal")
	w, err := Open(path, true)
	require.NoError(t, err)
	_, err = w.Append([]Record{put(KindCalendar, "c", "x")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = Open(path, true)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(1), w.LastSeq())

	seq, err := w.Append([]Record{put(KindCalendar, "d", "y")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Len(t, collect(t, w, 0), 2)
}

func TestResetKeepsSequence(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "store.wal"), true)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append([]Record{put(KindJob, "a", 1)})
	require.NoError(t, err)
	require.NoError(t, w.Reset())
	assert.Empty(t, collect(t, w, 0))

	seq, err := w.Append([]Record{put(KindJob, "b", 2)})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	info, err := os.Stat(w.Path())
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}

func TestTornTailIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.wal")
	w, err := Open(path, true)
	require.NoError(t, err)
	_, err = w.Append([]Record{put(KindJob, "a", 1)})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// 模擬寫到一半崩潰
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"tx":2,"kind":"job","op":"PU`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path, true)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(1), w.LastSeq())

	_, err = w.Append([]Record{put(KindJob, "b", 2)})
	require.NoError(t, err)
	txs := collect(t, w, 0)
	require.Len(t, txs, 2)
	assert.Equal(t, "b", txs[1][0].Name)
}

func TestIncompleteTransactionIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.wal")

	// 交易 1 只寫了第一筆（沒有 Last），接著是完整的交易 2
	partial := Record{Seq: 1, TxID: 1, Kind: KindJob, Op: OpPut, Name: "a"}
	partial.Checksum = CalculateChecksum(partial)
	full := Record{Seq: 3, TxID: 2, Last: true, Kind: KindJob, Op: OpPut, Name: "b"}
	full.Checksum = CalculateChecksum(full)
	var content []byte
	for _, r := range []Record{partial, full} {
		line, err := json.Marshal(r)
		require.NoError(t, err)
		content = append(append(content, line...), '\n')
	}
	require.NoError(t, os.WriteFile(path, content, 0o644))

	w, err := Open(path, true)
	require.NoError(t, err)
	defer w.Close()

	txs := collect(t, w, 0)
	require.Len(t, txs, 1)
	assert.Equal(t, "b", txs[0][0].Name)
}

func TestCorruptionInTheMiddle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.wal")
	w, err := Open(path, true)
	require.NoError(t, err)
	_, err = w.Append([]Record{put(KindJob, "a", 1)})
	require.NoError(t, err)
	_, err = w.Append([]Record{put(KindJob, "b", 2)})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// 竄改第一筆紀錄的名稱
	idx := bytes.Index(data, []byte(`"name":"a"`))
	require.GreaterOrEqual(t, idx, 0)
	data[idx+8] = 'z'
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path, true)
	var corrupt *CorruptionError
	require.True(t, errors.As(err, &corrupt), "got %v", err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.Zero(t, corrupt.Offset)
}

func TestChecksumCoversFields(t *testing.T) {
	r := Record{Seq: 1, TxID: 1, Kind: KindJob, Op: OpPut, Name: "ab", Group: "c"}
	other := r
	other.Name, other.Group = "a", "bc"
	assert.NotEqual(t, CalculateChecksum(r), CalculateChecksum(other))

	r.Checksum = CalculateChecksum(r)
	assert.True(t, VerifyChecksum(r))
	r.Data = json.RawMessage(`1`)
	assert.False(t, VerifyChecksum(r))
}

func TestClosedWAL(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "store.wal"), false)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Append([]Record{put(KindJob, "a", 1)})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = w.Replay(0, func([]Record) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
