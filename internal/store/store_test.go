package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	alerrors "github.com/alembic/alembic/internal/errors"
	"github.com/alembic/alembic/pkg/types"
)

func openTestStore(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alembic_test.db")
	s, err := Open(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func finishedEvent(hw, enc string, speed float64) types.EventInput {
	return types.EventInput{
		AppVersion:      "1.4.0",
		EventType:       types.EventJobFinished,
		Status:          types.Ptr(types.StatusSuccess),
		HardwareModel:   types.Ptr(hw),
		Encoder:         types.Ptr(enc),
		DurationMS:      types.Ptr(int64(42000)),
		InputSizeBytes:  types.Ptr(int64(1000)),
		OutputSizeBytes: types.Ptr(int64(400)),
		SpeedFactor:     types.Ptr(speed),
		VideoCodec:      types.Ptr("hevc"),
		Resolution:      types.Ptr("1080p"),
	}
}

func TestStore_AppendAndList(t *testing.T) {
	s, _ := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	in := finishedEvent("M1", "x265", 2.5)
	id, err := s.Append(ctx, in)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	events, err := s.ListEvents(ctx, types.EventID{}, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	got := events[0]
	if got.ID != id {
		t.Errorf("id mismatch: got %s, want %s", got.ID, id)
	}
	if got.AppVersion != "1.4.0" || got.EventType != types.EventJobFinished {
		t.Errorf("unexpected required fields: %+v", got.EventInput)
	}
	if got.Status == nil || *got.Status != types.StatusSuccess {
		t.Errorf("status mismatch: %v", got.Status)
	}
	if got.SpeedFactor == nil || *got.SpeedFactor != 2.5 {
		t.Errorf("speed mismatch: %v", got.SpeedFactor)
	}
	if got.OutputSizeBytes == nil || *got.OutputSizeBytes != 400 {
		t.Errorf("output size mismatch: %v", got.OutputSizeBytes)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}
}

func TestStore_AbsentFieldsStayNull(t *testing.T) {
	s, _ := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	if _, err := s.Append(ctx, types.EventInput{AppVersion: "1.0", EventType: types.EventJobStarted}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	events, err := s.ListEvents(ctx, types.EventID{}, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	ev := events[0]
	if ev.Status != nil || ev.FailureReason != nil || ev.HardwareModel != nil || ev.Encoder != nil ||
		ev.DurationMS != nil || ev.InputSizeBytes != nil || ev.OutputSizeBytes != nil ||
		ev.SpeedFactor != nil || ev.VideoCodec != nil || ev.Resolution != nil {
		t.Errorf("absent fields should read back as nil: %+v", ev.EventInput)
	}
}

func TestStore_IDsIncreaseInInsertionOrder(t *testing.T) {
	// A frozen clock forces every id into the same millisecond.
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts := DefaultOptions()
	opts.Now = func() time.Time { return frozen }
	s, _ := openTestStore(t, opts)
	ctx := context.Background()

	var last types.EventID
	for i := 0; i < 50; i++ {
		id, err := s.Append(ctx, finishedEvent("M1", "x265", 1))
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if i > 0 && id.Compare(last) <= 0 {
			t.Fatalf("id %d (%s) not greater than previous (%s)", i, id, last)
		}
		last = id
	}
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s, _ := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	errCh := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Append(ctx, finishedEvent("M1", "x265", 1)); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append failed: %v", err)
	}

	cov, err := s.Coverage(ctx)
	if err != nil {
		t.Fatalf("coverage failed: %v", err)
	}
	if cov.TotalJobs != writers*perWriter {
		t.Errorf("total_jobs = %d, want %d", cov.TotalJobs, writers*perWriter)
	}

	// Commit order matches id order.
	events, err := s.ListEvents(ctx, types.EventID{}, writers*perWriter)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID.Compare(events[i-1].ID) <= 0 {
			t.Fatalf("events out of order at %d", i)
		}
	}
}

func TestStore_ReopenSeedsIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s1, err := Open(ctx, path, DefaultOptions())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	first, err := s1.Append(ctx, finishedEvent("M1", "x265", 1))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	s1.Close()

	// The clock has moved backwards by an hour since the first run.
	opts := DefaultOptions()
	opts.Now = func() time.Time { return first.Time().Add(-time.Hour) }
	s2, err := Open(ctx, path, opts)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	second, err := s2.Append(ctx, finishedEvent("M1", "x265", 1))
	if err != nil {
		t.Fatalf("append after reopen failed: %v", err)
	}
	if second.Compare(first) <= 0 {
		t.Errorf("id after reopen (%s) should exceed %s", second, first)
	}
}

func TestStore_Coverage(t *testing.T) {
	s, _ := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	inputs := []types.EventInput{
		finishedEvent("M1", "x265", 1),
		finishedEvent("M1", "x264", 1),
		finishedEvent("M2", "x265", 1),
		{AppVersion: "1.0", EventType: types.EventJobStarted},
	}
	for _, in := range inputs {
		if _, err := s.Append(ctx, in); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	cov, err := s.Coverage(ctx)
	if err != nil {
		t.Fatalf("coverage failed: %v", err)
	}
	if cov.TotalJobs != 4 {
		t.Errorf("total_jobs = %d, want 4", cov.TotalJobs)
	}
	if cov.UniqueHardware != 2 {
		t.Errorf("unique_hardware = %d, want 2", cov.UniqueHardware)
	}
}

func TestStore_WithWriteTxRollsBack(t *testing.T) {
	s, _ := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO stability_stats (encoder, error_type, count) VALUES ('x265', 'oom', 3)"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	var stats []types.StabilityStat
	err = s.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		stats, err = QueryStability(ctx, tx, 20)
		return err
	})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("rolled back insert is visible: %+v", stats)
	}
}

func TestStore_QueryEfficiencyOrdering(t *testing.T) {
	s, _ := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	err := s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO efficiency_stats VALUES
				('M1', 'x265', 'hevc', '1080p', 3, 1.5, 0.5, 1.0),
				('M2', 'x265', 'hevc', '1080p', 1, NULL, NULL, 0.0),
				('M3', 'x265', 'hevc', '1080p', 2, 4.0, 0.2, 0.5)`)
		return err
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var stats []types.EfficiencyStat
	err = s.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		stats, err = QueryEfficiency(ctx, tx, 2)
		return err
	})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("limit not applied: got %d rows", len(stats))
	}
	if stats[0].HardwareModel != "M3" || stats[1].HardwareModel != "M1" {
		t.Errorf("unexpected order: %s, %s", stats[0].HardwareModel, stats[1].HardwareModel)
	}
}

func TestStore_ClosedRejectsAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.db")
	s, err := Open(context.Background(), path, DefaultOptions())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	s.Close()

	_, err = s.Append(context.Background(), finishedEvent("M1", "x265", 1))
	if alerrors.GetCode(err) != alerrors.CodeStoreClosed {
		t.Errorf("expected STORE_CLOSED, got %v", err)
	}
}

func TestOpen_BadPathIsStartupError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "alembic.db")
	_, err := Open(context.Background(), path, DefaultOptions())
	if err == nil {
		t.Fatal("expected error opening database in missing directory")
	}
	if alerrors.GetCategory(err) != alerrors.ErrCategoryStartup {
		t.Errorf("expected STARTUP category, got %v", err)
	}
}
