package calls

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-barista/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegisterAndList(t *testing.T) {
	r := NewRegistry(newLogger())
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	first := session.New("CA1", "MZ1", "+15551234567", func() time.Time { return base })
	second := session.New("CA2", "MZ2", "", func() time.Time { return base.Add(time.Minute) })

	unregisterSecond := r.Register(second, func() {})
	unregisterFirst := r.Register(first, func() {})
	if r.Count() != 2 {
		t.Fatalf("expected 2 calls, got %d", r.Count())
	}
	list := r.List()
	if list[0].CallSID != "CA1" || list[1].CallSID != "CA2" {
		t.Fatalf("expected oldest first, got %+v", list)
	}
	if list[0].Caller != "********4567" || list[0].Phase != string(session.PhaseGreeting) {
		t.Fatalf("unexpected view %+v", list[0])
	}

	unregisterFirst()
	unregisterFirst()
	if r.Count() != 1 {
		t.Fatalf("expected 1 call after unregister, got %d", r.Count())
	}
	unregisterSecond()
	if r.Count() != 0 {
		t.Fatal("expected no calls")
	}
}

func TestDuplicateCallReplacesOld(t *testing.T) {
	r := NewRegistry(newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	unregisterOld := r.Register(session.New("CA1", "MZ1", "", nil), cancel)
	r.Register(session.New("CA1", "MZ2", "", nil), func() {})

	if ctx.Err() == nil {
		t.Fatal("replaced call was not cancelled")
	}
	unregisterOld()
	if r.Count() != 1 {
		t.Fatal("stale unregister removed the replacement")
	}
}

func TestCancelAllDrains(t *testing.T) {
	r := NewRegistry(newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	r.Register(session.New("CA1", "MZ1", "", nil), cancel)

	r.CancelAll()
	if ctx.Err() == nil {
		t.Fatal("call not cancelled")
	}
	if r.Healthy() {
		t.Fatal("draining registry reported healthy")
	}

	late, lateCancel := context.WithCancel(context.Background())
	defer lateCancel()
	r.Register(session.New("CA2", "MZ2", "", nil), lateCancel)
	if late.Err() == nil {
		t.Fatal("call registered while draining was not refused")
	}
}

func TestAdmitAndWait(t *testing.T) {
	r := NewRegistry(newLogger())
	release, ok := r.Admit()
	if !ok {
		t.Fatal("admit refused on a healthy registry")
	}
	r.CancelAll()
	if _, ok := r.Admit(); ok {
		t.Fatal("admit accepted while draining")
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(short); err == nil {
		t.Fatal("wait returned before the admitted call was released")
	}

	release()
	release()
	ctx, cancelWait := context.WithTimeout(context.Background(), time.Second)
	defer cancelWait()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("wait after release: %v", err)
	}
}
