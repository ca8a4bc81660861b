package lecture

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quizcast/internal/config"
	"quizcast/internal/models"
	"quizcast/internal/storage"
)

func TestSessionLifecycle(t *testing.T) {
	svc := NewService(openTestDB(t), 0)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "Thermodynamics")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Status != models.SessionScheduled {
		t.Fatalf("expected scheduled, got %s", session.Status)
	}
	if _, err := svc.StartSession(ctx, session.ID); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := svc.StartSession(ctx, session.ID); !errors.Is(err, ErrSessionState) {
		t.Fatalf("expected ErrSessionState on second start, got %v", err)
	}
	ended, err := svc.EndSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if ended.Status != models.SessionEnded {
		t.Fatalf("expected ended, got %s", ended.Status)
	}
	if _, err := svc.GetSession(ctx, 999); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestMaterialTransitionsAreGuarded(t *testing.T) {
	svc := NewService(openTestDB(t), 0)
	ctx := context.Background()
	sessionID := createSession(t, svc)

	m := &models.Material{ID: "m-1", SessionID: sessionID, FileName: "a.txt", MimeType: "text/plain"}
	if err := svc.CreateMaterial(ctx, m); err != nil {
		t.Fatalf("create material: %v", err)
	}
	if err := svc.SaveMaterialSnapshot(ctx, m.ID, "partial"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	got, err := svc.GetMaterial(ctx, m.ID)
	if err != nil {
		t.Fatalf("get material: %v", err)
	}
	if got.Status != models.MaterialProcessing || got.ExtractedText == nil || *got.ExtractedText != "partial" {
		t.Fatalf("unexpected snapshot state: %+v", got)
	}

	if err := svc.CompleteMaterial(ctx, m.ID, "partial and the rest"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := svc.TimeoutMaterial(ctx, m.ID, "late"); !errors.Is(err, ErrMaterialSettled) {
		t.Fatalf("expected ErrMaterialSettled on timeout after completion, got %v", err)
	}
	if err := svc.DeleteMaterial(ctx, m.ID); !errors.Is(err, ErrMaterialSettled) {
		t.Fatalf("expected ErrMaterialSettled on delete after completion, got %v", err)
	}
	got, err = svc.GetMaterial(ctx, m.ID)
	if err != nil {
		t.Fatalf("get material: %v", err)
	}
	if got.Status != models.MaterialCompleted || got.TextLen() == 0 {
		t.Fatalf("completed material changed: %+v", got)
	}

	other := &models.Material{ID: "m-2", SessionID: sessionID, FileName: "b.pdf", MimeType: "application/pdf"}
	if err := svc.CreateMaterial(ctx, other); err != nil {
		t.Fatalf("create material: %v", err)
	}
	if err := svc.DeleteMaterial(ctx, other.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetMaterial(ctx, other.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected deleted material to be gone, got %v", err)
	}
}

func TestAssembleContextOrderAndBound(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	svc := NewService(db, 0)
	sessionID := createSession(t, svc)

	if _, err := svc.AssembleContext(ctx, sessionID); !errors.Is(err, ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}

	completeMaterial(t, svc, sessionID, "m-first", "first material")
	completeMaterial(t, svc, sessionID, "m-second", "second material")
	pending := &models.Material{ID: "m-pending", SessionID: sessionID, FileName: "p.txt", MimeType: "text/plain"}
	if err := svc.CreateMaterial(ctx, pending); err != nil {
		t.Fatalf("create material: %v", err)
	}
	if err := svc.SaveMaterialSnapshot(ctx, pending.ID, "not finished"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	if _, err := svc.AppendTranscript(ctx, sessionID, "later words", base.Add(2*time.Minute)); err != nil {
		t.Fatalf("append transcript: %v", err)
	}
	if _, err := svc.AppendTranscript(ctx, sessionID, "earlier words", base); err != nil {
		t.Fatalf("append transcript: %v", err)
	}

	got, err := svc.AssembleContext(ctx, sessionID)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	want := "first material\n\nsecond material\n\nearlier words\n\nlater words"
	if got != want {
		t.Fatalf("unexpected context:\n%q\nwant\n%q", got, want)
	}
	if strings.Contains(got, "not finished") {
		t.Fatalf("processing material leaked into context")
	}

	bounded := NewService(db, 5)
	got, err = bounded.AssembleContext(ctx, sessionID)
	if err != nil {
		t.Fatalf("assemble bounded: %v", err)
	}
	if got != "first" {
		t.Fatalf("expected head-bounded context, got %q", got)
	}
}

func TestAssembleContextTranscriptOnly(t *testing.T) {
	svc := NewService(openTestDB(t), 0)
	ctx := context.Background()
	sessionID := createSession(t, svc)
	if _, err := svc.AppendTranscript(ctx, sessionID, "  spoken only  ", time.Time{}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}
	got, err := svc.AssembleContext(ctx, sessionID)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got != "spoken only" {
		t.Fatalf("unexpected context %q", got)
	}
}

func TestMarkQuizPushedSingleWinner(t *testing.T) {
	svc := NewService(openTestDB(t), 0)
	ctx := context.Background()
	sessionID := createSession(t, svc)
	items := []*models.QuizItem{{Question: "q?", Options: []string{"a", "b", "c", "d"}, CorrectIndex: 2}}
	if err := svc.SaveQuizItems(ctx, sessionID, items); err != nil {
		t.Fatalf("save items: %v", err)
	}

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.MarkQuizPushed(ctx, items[0].ID, time.Now())
			if err != nil {
				t.Errorf("mark pushed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	got, err := svc.GetQuizItem(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if !got.Pushed() || len(got.Options) != models.QuizOptionCount || got.CorrectIndex != 2 {
		t.Fatalf("unexpected stored item: %+v", got)
	}
	if n, err := svc.CountUnpushed(ctx, sessionID); err != nil || n != 0 {
		t.Fatalf("expected no unpushed items, got %d (%v)", n, err)
	}
}

func TestUnpushedAtSkipsPushed(t *testing.T) {
	svc := NewService(openTestDB(t), 0)
	ctx := context.Background()
	sessionID := createSession(t, svc)
	var items []*models.QuizItem
	for _, q := range []string{"one", "two", "three"} {
		items = append(items, &models.QuizItem{Question: q, Options: []string{"a", "b", "c", "d"}})
	}
	if err := svc.SaveQuizItems(ctx, sessionID, items); err != nil {
		t.Fatalf("save items: %v", err)
	}
	if _, err := svc.MarkQuizPushed(ctx, items[0].ID, time.Now()); err != nil {
		t.Fatalf("mark pushed: %v", err)
	}
	n, err := svc.CountUnpushed(ctx, sessionID)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 unpushed, got %d (%v)", n, err)
	}
	item, err := svc.UnpushedAt(ctx, sessionID, 1)
	if err != nil {
		t.Fatalf("unpushed at: %v", err)
	}
	if item.Question != "three" {
		t.Fatalf("expected third item at offset 1, got %q", item.Question)
	}
	if _, err := svc.UnpushedAt(ctx, sessionID, 2); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows past the end, got %v", err)
	}
}

func TestSweeperTimesOutStaleMaterials(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, 0)
	ctx := context.Background()
	sessionID := createSession(t, svc)

	for _, id := range []string{"stale", "fresh"} {
		if err := svc.CreateMaterial(ctx, &models.Material{ID: id, SessionID: sessionID, FileName: id, MimeType: "text/plain"}); err != nil {
			t.Fatalf("create material: %v", err)
		}
	}
	if _, err := db.Exec(`UPDATE materials SET updated_at = ? WHERE id = ?`, time.Now().UTC().Add(-2*time.Hour), "stale"); err != nil {
		t.Fatalf("age material: %v", err)
	}

	sweeper, err := NewSweeper(svc, "@every 1m", 30*time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	n, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one swept material, got %d", n)
	}
	stale, err := svc.GetMaterial(ctx, "stale")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if stale.Status != models.MaterialTimeout || stale.ErrorMessage == nil || *stale.ErrorMessage == "" {
		t.Fatalf("stale material not timed out: %+v", stale)
	}
	fresh, err := svc.GetMaterial(ctx, "fresh")
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if fresh.Status != models.MaterialProcessing {
		t.Fatalf("fresh material should still be processing, got %s", fresh.Status)
	}
}

func TestSweeperSkipsActiveMaterials(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, 0)
	ctx := context.Background()
	sessionID := createSession(t, svc)

	for _, id := range []string{"queued", "orphan"} {
		if err := svc.CreateMaterial(ctx, &models.Material{ID: id, SessionID: sessionID, FileName: id, MimeType: "text/plain"}); err != nil {
			t.Fatalf("create material: %v", err)
		}
	}
	if _, err := db.Exec(`UPDATE materials SET updated_at = ?`, time.Now().UTC().Add(-2*time.Hour)); err != nil {
		t.Fatalf("age materials: %v", err)
	}

	sweeper, err := NewSweeper(svc, "@every 1m", 30*time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sweeper.SkipActive(func() []string { return []string{"queued"} })
	n, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the orphan swept, got %d", n)
	}
	queued, err := svc.GetMaterial(ctx, "queued")
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	if queued.Status != models.MaterialProcessing {
		t.Fatalf("active material was swept: %s", queued.Status)
	}
	orphan, err := svc.GetMaterial(ctx, "orphan")
	if err != nil {
		t.Fatalf("get orphan: %v", err)
	}
	if orphan.Status != models.MaterialTimeout {
		t.Fatalf("orphan material not timed out: %s", orphan.Status)
	}
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	if _, err := NewSweeper(NewService(nil, 0), "not a schedule", time.Minute, zerolog.Nop()); err == nil {
		t.Fatalf("expected schedule parse error")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open("sqlite3", config.DatabaseConfig{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createSession(t *testing.T, svc *Service) int64 {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), "Lecture")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session.ID
}

func completeMaterial(t *testing.T, svc *Service, sessionID int64, id, text string) {
	t.Helper()
	ctx := context.Background()
	if err := svc.CreateMaterial(ctx, &models.Material{ID: id, SessionID: sessionID, FileName: id + ".txt", MimeType: "text/plain"}); err != nil {
		t.Fatalf("create material: %v", err)
	}
	if err := svc.CompleteMaterial(ctx, id, text); err != nil {
		t.Fatalf("complete material: %v", err)
	}
}
