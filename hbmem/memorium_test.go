package hbmem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mellivora-engine/mellivora/hbconsensus"
	"github.com/mellivora-engine/mellivora/hbseal"
	"github.com/mellivora-engine/mellivora/internal/gtest"
)

func testNodeID(b byte) hbconsensus.NodeID {
	var id hbconsensus.NodeID
	id[0] = b
	return id
}

// drain runs worker iterations until both queues are empty.
func drain(m *Memorium) {
	for m.workOnce() {
	}
}

func TestMemorium_persistsInFIFOOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewMemorium(gtest.NewLogger(t), Config{
		BlocksToKeepOnDisk: 100,
		Dir:                dir,
	})

	const epoch = 3
	const n = 5
	for i := 0; i < n; i++ {
		m.RecordMessage(hbconsensus.CoreMessage{
			Epoch:   epoch,
			Payload: json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)),
		})
	}

	drain(m)

	entries, err := os.ReadDir(filepath.Join(dir, strconv.Itoa(epoch)))
	require.NoError(t, err)
	require.Len(t, entries, n)

	// File names are the per-process tracking ids, strictly increasing;
	// sorting numerically must recover enqueue order.
	ids := make([]int, n)
	for i, e := range entries {
		id, err := strconv.Atoi(e.Name()[:len(e.Name())-len(".json")])
		require.NoError(t, err)
		ids[i] = id
	}
	sort.Ints(ids)

	for i, id := range ids {
		b, err := os.ReadFile(filepath.Join(dir, strconv.Itoa(epoch), fmt.Sprintf("%d.json", id)))
		require.NoError(t, err)

		var rec struct {
			Type    string          `json:"type"`
			Epoch   uint64          `json:"epoch"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(b, &rec))
		require.Equal(t, "consensus_message", rec.Type)
		require.Equal(t, uint64(epoch), rec.Epoch)
		require.JSONEq(t, fmt.Sprintf(`{"i":%d}`, i), string(rec.Payload))
	}
}

func TestMemorium_zeroRetentionDisablesRecording(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewMemorium(gtest.NewLogger(t), Config{
		BlocksToKeepOnDisk: 0,
		Dir:                dir,
	})

	m.RecordMessage(hbconsensus.CoreMessage{Epoch: 1, Payload: json.RawMessage(`{}`)})
	m.RecordSeal(hbseal.Message{Share: []byte{1}}, 1)

	require.False(t, m.workOnce())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestMemorium_diskRetention(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewMemorium(gtest.NewLogger(t), Config{
		BlocksToKeepOnDisk: 5,
		Dir:                dir,
	})

	for epoch := uint64(1); epoch <= 11; epoch++ {
		m.RecordSeal(hbseal.Message{Share: []byte{byte(epoch)}}, epoch)
		drain(m)
	}

	// With a 5-block window and block 11 processed,
	// directory 1 is gone and 6..10 are retained.
	require.NoDirExists(t, filepath.Join(dir, "1"))
	for epoch := 6; epoch <= 11; epoch++ {
		require.DirExists(t, filepath.Join(dir, strconv.Itoa(epoch)))
	}
}

func TestMemorium_lateMessagesDoNotResurrectDeletedEpochs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewMemorium(gtest.NewLogger(t), Config{
		BlocksToKeepOnDisk: 2,
		Dir:                dir,
	})

	for epoch := uint64(1); epoch <= 6; epoch++ {
		m.RecordMessage(hbconsensus.CoreMessage{Epoch: epoch, Payload: json.RawMessage(`{}`)})
		drain(m)
	}
	require.NoDirExists(t, filepath.Join(dir, "1"))

	// A message delayed past the deletion watermark is dropped,
	// not written into a freshly re-created directory.
	m.RecordMessage(hbconsensus.CoreMessage{Epoch: 1, Payload: json.RawMessage(`{}`)})
	drain(m)
	require.NoDirExists(t, filepath.Join(dir, "1"))
}

func TestMemorium_duplicateEpochReport(t *testing.T) {
	t.Parallel()

	m := NewMemorium(gtest.NewLogger(t), Config{})

	m.ReportNewEpoch(5, 100)
	m.ReportNewEpoch(5, 999)

	e := m.EpochHistory(5)
	require.NotNil(t, e)
	require.Equal(t, uint64(100), e.StartBlock())

	// An out-of-order (older) epoch id is ignored as well.
	m.ReportNewEpoch(4, 50)
	require.Nil(t, m.EpochHistory(4))
}

func TestMemorium_epochReportClosesPredecessor(t *testing.T) {
	t.Parallel()

	m := NewMemorium(gtest.NewLogger(t), Config{})

	m.ReportNewEpoch(1, 100)
	m.ReportNewEpoch(2, 200)

	require.Equal(t, uint64(200), m.EpochHistory(1).EndBlock())
	require.Zero(t, m.EpochHistory(2).EndBlock())

	// Block ranges are half-open: [start, end).
	require.Same(t, m.EpochHistory(1), m.EpochHistoryFor(199))
	require.Same(t, m.EpochHistory(2), m.EpochHistoryFor(200))
}

func TestMemorium_sealEventsUpdateHistory(t *testing.T) {
	t.Parallel()

	m := NewMemorium(gtest.NewLogger(t), Config{})
	m.ReportNewEpoch(1, 1)

	alice := testNodeID(0xaa)
	bob := testNodeID(0xbb)

	m.ReportSealGood(alice, 10)
	m.ReportSealGood(alice, 11)
	m.ReportSealLate(alice, 9)
	m.ReportSealBad(bob, 10, BadSealThresholdStep)
	drain(m)

	epoch := m.EpochHistory(1)
	require.NotNil(t, epoch)

	a := epoch.NodeHistory(alice)
	require.NotNil(t, a)
	require.Equal(t, 2, a.GoodCount())
	require.Equal(t, 1, a.LateCount())
	require.Zero(t, a.BadCount())
	require.Equal(t, uint64(11), a.LastGoodBlock())
	require.Equal(t, uint64(9), a.LastLateBlock())

	// Bad events must land in the bad counters, not the good ones.
	b := epoch.NodeHistory(bob)
	require.NotNil(t, b)
	require.Zero(t, b.GoodCount())
	require.Equal(t, 1, b.BadCount())
	require.Equal(t, uint64(10), b.LastBadBlock())
	require.Equal(t, 1, b.TotalCount())
}

func TestMemorium_freeMemory(t *testing.T) {
	t.Parallel()

	m := NewMemorium(gtest.NewLogger(t), Config{BlocksToKeepOnDisk: 10})

	m.ReportNewEpoch(1, 1)
	m.ReportNewEpoch(2, 100)
	m.ReportNewEpoch(3, 200)

	// Epoch 1 is closed at block 100 and far behind; epoch 2 is closed but
	// within the window; epoch 3 is still open.
	m.FreeMemory(205)

	require.Nil(t, m.EpochHistory(1))
	require.NotNil(t, m.EpochHistory(2))
	require.NotNil(t, m.EpochHistory(3))
}
