package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/agentoven/brigade/internal/store"
	"github.com/agentoven/brigade/pkg/models"
)

// backends returns a fresh instance of every embedded backend.
func backends(t *testing.T) map[string]store.Store {
	t.Helper()
	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })

	lite, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "learning.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { lite.Close() })

	return map[string]store.Store{"memory": mem, "sqlite": lite}
}

var seq int

func newRecord(domain, model, payload string, success bool) *models.OperationRecord {
	seq++
	now := time.Now().UTC().Add(time.Duration(seq) * time.Millisecond)
	rec := &models.OperationRecord{
		ID:               fmt.Sprintf("%s_%06d_test", domain, seq),
		Domain:           domain,
		Description:      "create a cube",
		ModelUsed:        model,
		GeneratedPayload: payload,
		StartedAt:        now.Add(-time.Second),
		CompletedAt:      now,
		DurationMs:       1000,
		GenerationMs:     400,
		Success:          success,
	}
	if success {
		rec.ExecutionResult = []byte(`{"objects":1}`)
	} else {
		msg := "AttributeError: 'NoneType' object has no attribute 'data'"
		rec.ErrorMessage = &msg
		rec.ErrorKind = models.ErrorKindEngineError
	}
	return rec
}

const cubePayload = `import bpy
# add a cube
bpy.ops.mesh.primitive_cube_add(size=2, location=(0, 0, 1))
obj = bpy.context.active_object
obj.name = "Cube"`

func TestRecord_ModelPerformance(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, ok := range []bool{true, true, false} {
				if err := s.Record(ctx, newRecord("modeling", "gemma3:4b", cubePayload, ok)); err != nil {
					t.Fatalf("Record() error = %v", err)
				}
			}

			perf, err := s.ModelPerformance(ctx, "modeling")
			if err != nil {
				t.Fatalf("ModelPerformance() error = %v", err)
			}
			if len(perf) != 1 {
				t.Fatalf("ModelPerformance() rows = %d, want 1", len(perf))
			}
			p := perf[0]
			if p.TotalRequests != 3 || p.SuccessfulRequests != 2 || p.FailedRequests != 1 {
				t.Errorf("counts = %d/%d/%d, want 3/2/1", p.TotalRequests, p.SuccessfulRequests, p.FailedRequests)
			}
			if p.SuccessRate != float64(p.SuccessfulRequests)/float64(p.TotalRequests) {
				t.Errorf("SuccessRate = %v, want %v", p.SuccessRate, 2.0/3.0)
			}
			if p.AvgGenerationMs != 400 {
				t.Errorf("AvgGenerationMs = %v, want 400", p.AvgGenerationMs)
			}
			if p.AvgPayloadLength != float64(len(cubePayload)) {
				t.Errorf("AvgPayloadLength = %v, want %d", p.AvgPayloadLength, len(cubePayload))
			}
		})
	}
}

func TestRecord_OneRowPerOperation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 3; i++ {
				rec := newRecord("shading", "m", cubePayload, i%2 == 0)
				if err := s.Record(ctx, rec); err != nil {
					t.Fatalf("Record() error = %v", err)
				}
				ops, err := s.RecentOperations(ctx, "shading", 100)
				if err != nil {
					t.Fatalf("RecentOperations() error = %v", err)
				}
				if len(ops) != i {
					t.Fatalf("after %d records, RecentOperations() = %d rows", i, len(ops))
				}
				if ops[0].ID != rec.ID {
					t.Errorf("RecentOperations()[0].ID = %q, want newest %q", ops[0].ID, rec.ID)
				}
			}

			other, _ := s.RecentOperations(context.Background(), "modeling", 10)
			if len(other) != 0 {
				t.Errorf("modeling partition has %d rows, want 0", len(other))
			}
		})
	}
}

func TestRecord_RoundTripsFields(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord("vfx", "llama3.2:latest", cubePayload, false)
			rec.RetryCount = 2
			rec.ModelsTried = []string{"a", "b", "llama3.2:latest"}
			rec.Attempts = []models.AttemptError{{Model: "a", Kind: "timeout", Message: "timed out"}}
			if err := s.Record(ctx, rec); err != nil {
				t.Fatalf("Record() error = %v", err)
			}

			ops, err := s.RecentOperations(ctx, "vfx", 1)
			if err != nil || len(ops) != 1 {
				t.Fatalf("RecentOperations() = %v, %v", ops, err)
			}
			got := ops[0]
			if got.RetryCount != 2 || got.Success || got.ErrorMessage == nil {
				t.Errorf("got retry=%d success=%v err=%v", got.RetryCount, got.Success, got.ErrorMessage)
			}
			if len(got.ModelsTried) != 3 || len(got.Attempts) != 1 {
				t.Errorf("ModelsTried = %v, Attempts = %v", got.ModelsTried, got.Attempts)
			}
			if got.ErrorKind != models.ErrorKindEngineError {
				t.Errorf("ErrorKind = %q", got.ErrorKind)
			}
		})
	}
}

func TestRecord_PatternUpsertIsIdempotent(t *testing.T) {
	variant := `import bpy
bpy.ops.mesh.primitive_cube_add(size=5, location=(3, 1, 0))
obj = bpy.context.active_object
obj.name = "Box"`

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.Record(ctx, newRecord("modeling", "m", cubePayload, true))
			s.Record(ctx, newRecord("modeling", "m", variant, true))

			patterns, err := s.SuccessfulPatterns(ctx, "modeling", 10)
			if err != nil {
				t.Fatalf("SuccessfulPatterns() error = %v", err)
			}
			if len(patterns) != 1 {
				t.Fatalf("SuccessfulPatterns() = %d rows, want 1", len(patterns))
			}
			if patterns[0].UsageCount != 2 {
				t.Errorf("UsageCount = %d, want 2", patterns[0].UsageCount)
			}
			if patterns[0].PatternType != "bpy.ops.mesh" {
				t.Errorf("PatternType = %q, want %q", patterns[0].PatternType, "bpy.ops.mesh")
			}
		})
	}
}

func TestRecord_FailureNeverCreatesPattern(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.Record(ctx, newRecord("modeling", "m", "bpy.ops.object.delete()", false))

			patterns, _ := s.SuccessfulPatterns(ctx, "modeling", 10)
			if len(patterns) != 0 {
				t.Fatalf("failed operation created %d patterns", len(patterns))
			}

			s.Record(ctx, newRecord("modeling", "m", cubePayload, true))
			s.Record(ctx, newRecord("modeling", "m", cubePayload, false))
			patterns, _ = s.SuccessfulPatterns(ctx, "modeling", 10)
			if len(patterns) != 1 {
				t.Fatalf("SuccessfulPatterns() = %d rows, want 1", len(patterns))
			}
			p := patterns[0]
			if p.UsageCount != 1 || p.FailureCount != 1 || p.SuccessRate != 0.5 {
				t.Errorf("pattern usage=%d failures=%d rate=%v, want 1/1/0.5", p.UsageCount, p.FailureCount, p.SuccessRate)
			}
		})
	}
}

func TestRecord_TruncatesOnRuneBoundaries(t *testing.T) {
	// Odd-length prefixes put every cut point in the middle of a two-byte rune.
	description := "a" + strings.Repeat("é", 150)
	payload := "#" + strings.Repeat("ü", 400) + "\n" + cubePayload
	message := "x" + strings.Repeat("ü", 100)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok := newRecord("modeling", "m", payload, true)
			ok.Description = description
			if err := s.Record(ctx, ok); err != nil {
				t.Fatalf("Record() success error = %v", err)
			}
			failed := newRecord("modeling", "m", "x", false)
			failed.Description = description
			failed.ErrorMessage = &message
			if err := s.Record(ctx, failed); err != nil {
				t.Fatalf("Record() failure error = %v", err)
			}

			patterns, err := s.SuccessfulPatterns(ctx, "modeling", 10)
			if err != nil || len(patterns) != 1 {
				t.Fatalf("SuccessfulPatterns() = %d rows, %v; want 1", len(patterns), err)
			}
			p := patterns[0]
			if !utf8.ValidString(p.Context) || len(p.Context) == 0 || len(p.Context) > 200 {
				t.Errorf("pattern Context len=%d valid=%v", len(p.Context), utf8.ValidString(p.Context))
			}
			if !utf8.ValidString(p.PayloadSnippet) || len(p.PayloadSnippet) > 600 {
				t.Errorf("PayloadSnippet len=%d valid=%v", len(p.PayloadSnippet), utf8.ValidString(p.PayloadSnippet))
			}

			errs, err := s.ErrorPatterns(ctx, "modeling", 10)
			if err != nil || len(errs) != 1 {
				t.Fatalf("ErrorPatterns() = %d rows, %v; want 1", len(errs), err)
			}
			e := errs[0]
			if !utf8.ValidString(e.MessageSignature) || len(e.MessageSignature) > 160 {
				t.Errorf("MessageSignature len=%d valid=%v", len(e.MessageSignature), utf8.ValidString(e.MessageSignature))
			}
			if !utf8.ValidString(e.Context) {
				t.Errorf("error Context is not valid UTF-8: %q", e.Context)
			}
		})
	}
}

func TestRecord_ErrorPatterns(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, line := range []int{3, 17} {
				rec := newRecord("rigging", "m", "x", false)
				msg := fmt.Sprintf("SyntaxError: invalid syntax (line %d)", line)
				rec.ErrorMessage = &msg
				s.Record(ctx, rec)
			}
			timeout := newRecord("rigging", "m", "x", false)
			msg := "execution timed out after 30s"
			timeout.ErrorMessage = &msg
			timeout.ErrorKind = models.ErrorKindExecutionTimeout
			s.Record(ctx, timeout)

			errs, err := s.ErrorPatterns(ctx, "rigging", 10)
			if err != nil {
				t.Fatalf("ErrorPatterns() error = %v", err)
			}
			if len(errs) != 2 {
				t.Fatalf("ErrorPatterns() = %d rows, want 2", len(errs))
			}
			if errs[0].ErrorType != "syntax_error" || errs[0].OccurrenceCount != 2 {
				t.Errorf("errs[0] = %s x%d, want syntax_error x2", errs[0].ErrorType, errs[0].OccurrenceCount)
			}
			if errs[1].ErrorType != "timeout" {
				t.Errorf("errs[1].ErrorType = %q, want timeout", errs[1].ErrorType)
			}
			if errs[0].FixApplied != nil {
				t.Errorf("FixApplied = %q, want nil", *errs[0].FixApplied)
			}

			perf, _ := s.ModelPerformance(ctx, "rigging")
			if perf[0].TimeoutCount != 1 {
				t.Errorf("TimeoutCount = %d, want 1", perf[0].TimeoutCount)
			}
		})
	}
}

func TestRecord_FixAppliedAfterFallback(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord("shading", "deepseek-r1:8b", cubePayload, true)
			rec.RetryCount = 1
			rec.Attempts = []models.AttemptError{{Model: "gemma3:4b", Kind: "empty_response", Message: "empty response"}}
			if err := s.Record(ctx, rec); err != nil {
				t.Fatalf("Record() error = %v", err)
			}

			errs, _ := s.ErrorPatterns(ctx, "shading", 10)
			if len(errs) != 1 {
				t.Fatalf("ErrorPatterns() = %d rows, want 1", len(errs))
			}
			if errs[0].FixApplied == nil || *errs[0].FixApplied != "fallback to model deepseek-r1:8b" {
				t.Errorf("FixApplied = %v, want fallback note", errs[0].FixApplied)
			}
			if errs[0].Model != "gemma3:4b" {
				t.Errorf("Model = %q, want failing model", errs[0].Model)
			}
		})
	}
}

func TestLimits(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.Record(ctx, newRecord("modeling", "m", cubePayload, true))

			for _, limit := range []int{0, -5} {
				if _, err := s.RecentOperations(ctx, "modeling", limit); !errors.Is(err, store.ErrInvalidLimit) {
					t.Errorf("RecentOperations(limit=%d) error = %v, want ErrInvalidLimit", limit, err)
				}
				if _, err := s.SuccessfulPatterns(ctx, "modeling", limit); !errors.Is(err, store.ErrInvalidLimit) {
					t.Errorf("SuccessfulPatterns(limit=%d) error = %v, want ErrInvalidLimit", limit, err)
				}
				if _, err := s.ErrorPatterns(ctx, "modeling", limit); !errors.Is(err, store.ErrInvalidLimit) {
					t.Errorf("ErrorPatterns(limit=%d) error = %v, want ErrInvalidLimit", limit, err)
				}
			}
			ops, err := s.RecentOperations(ctx, "modeling", 1_000_000)
			if err != nil || len(ops) != 1 {
				t.Errorf("RecentOperations(huge) = %d rows, %v", len(ops), err)
			}
		})
	}
}

func TestValidateLimit(t *testing.T) {
	if got, err := store.ValidateLimit(store.MaxLimit + 1); err != nil || got != store.MaxLimit {
		t.Errorf("ValidateLimit(Max+1) = %d, %v, want %d", got, err, store.MaxLimit)
	}
	if got, err := store.ValidateLimit(7); err != nil || got != 7 {
		t.Errorf("ValidateLimit(7) = %d, %v", got, err)
	}
}

func TestRecord_ConcurrentWriters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			domains := []string{"modeling", "shading", "animation"}
			const perDomain = 20

			var wg sync.WaitGroup
			var mu sync.Mutex
			for _, d := range domains {
				for i := 0; i < perDomain; i++ {
					wg.Add(1)
					go func(domain string, i int) {
						defer wg.Done()
						mu.Lock()
						rec := newRecord(domain, "m", cubePayload, i%4 != 0)
						mu.Unlock()
						if err := s.Record(ctx, rec); err != nil {
							t.Errorf("Record() error = %v", err)
						}
					}(d, i)
				}
			}
			wg.Wait()

			for _, d := range domains {
				perf, err := s.ModelPerformance(ctx, d)
				if err != nil || len(perf) != 1 {
					t.Fatalf("ModelPerformance(%s) = %v, %v", d, perf, err)
				}
				if perf[0].TotalRequests != perDomain || perf[0].SuccessfulRequests != 15 {
					t.Errorf("%s counts = %d/%d, want %d/15", d, perf[0].TotalRequests, perf[0].SuccessfulRequests, perDomain)
				}
				patterns, _ := s.SuccessfulPatterns(ctx, d, 10)
				if len(patterns) != 1 || patterns[0].UsageCount != 15 {
					t.Errorf("%s patterns = %+v, want one with usage 15", d, patterns)
				}
			}
		})
	}
}

func TestDomainStore(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	ctx := context.Background()

	ds := store.Scoped(s, "modeling")
	rec := newRecord("", "m", cubePayload, true)
	if err := ds.Record(ctx, rec); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.Domain != "modeling" {
		t.Errorf("Domain = %q, want filled in", rec.Domain)
	}

	err := ds.Record(ctx, newRecord("shading", "m", cubePayload, true))
	if !errors.Is(err, store.ErrPersistence) {
		t.Errorf("foreign record error = %v, want ErrPersistence", err)
	}

	ops, _ := ds.RecentOperations(ctx, 10)
	if len(ops) != 1 {
		t.Errorf("RecentOperations() = %d rows, want 1", len(ops))
	}
}

func TestSQLiteStore_PersistenceError(t *testing.T) {
	s, err := store.NewSQLiteStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	s.Close()

	err = s.Record(context.Background(), newRecord("modeling", "m", cubePayload, true))
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("Record() on closed db error = %v, want ErrPersistence", err)
	}
	var pe *store.PersistenceError
	if !errors.As(err, &pe) || pe.Domain != "modeling" {
		t.Errorf("errors.As(PersistenceError) = %+v", pe)
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "learning.db")

	s, err := store.NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	s.Record(ctx, newRecord("modeling", "m", cubePayload, true))
	s.Close()

	s, err = store.NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	ops, _ := s.RecentOperations(ctx, "modeling", 10)
	if len(ops) != 1 {
		t.Errorf("after reopen RecentOperations() = %d rows, want 1", len(ops))
	}
}

func TestMemoryStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := store.NewMemoryStore(dir)
	s.Record(ctx, newRecord("modeling", "m", cubePayload, true))
	s.Close() // flushes

	s = store.NewMemoryStore(dir)
	defer s.Close()
	ops, _ := s.RecentOperations(ctx, "modeling", 10)
	if len(ops) != 1 {
		t.Fatalf("after reload RecentOperations() = %d rows, want 1", len(ops))
	}
	perf, _ := s.ModelPerformance(ctx, "modeling")
	if len(perf) != 1 || perf[0].SuccessRate != 1 {
		t.Errorf("after reload ModelPerformance() = %+v", perf)
	}
}
