package auditlog

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	valid := Event{OccurredAt: time.Now(), Actor: "ops", Action: ActionDeploy, Model: "fraud", Outcome: OutcomeSuccess}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	missing := valid
	missing.Model = " "
	if err := missing.Validate(); err == nil {
		t.Fatalf("Validate() expected error for empty model")
	}
}

func TestIntegrityIsDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := Event{OccurredAt: at, Actor: "ops", Action: ActionDeploy, Model: "fraud", Stage: "prod", Version: "run_a", Outcome: OutcomeSuccess}
	a, err := ComputeIntegritySHA256(event, []byte(`{}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, _ := ComputeIntegritySHA256(event, []byte(`{}`))
	if a != b || len(a) != 64 {
		t.Fatalf("integrity not stable: %q vs %q", a, b)
	}
	event.Version = "run_b"
	c, _ := ComputeIntegritySHA256(event, []byte(`{}`))
	if c == a {
		t.Fatalf("integrity ignores version")
	}
}

func TestNDJSONAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployments", "audit.ndjson")
	app := NewNDJSONAppender(path)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := app.Append(context.Background(), Event{
				Actor: "ops", Action: ActionRollback, Model: "fraud", Stage: "prod", Version: "run_a",
				Outcome: OutcomeSuccess, Detail: map[string]any{"from": "run_b"},
			})
			if err != nil {
				t.Errorf("Append() err=%v", err)
			}
		}()
	}
	wg.Wait()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if rec.Action != ActionRollback || rec.IntegritySHA256 == "" {
			t.Fatalf("unexpected record %+v", rec)
		}
		lines++
	}
	if lines != 10 {
		t.Fatalf("lines=%d, want 10", lines)
	}
}

func TestInsertRequiresQueryer(t *testing.T) {
	if _, err := Insert(context.Background(), nil, Event{}); err == nil {
		t.Fatalf("Insert() expected error")
	}
}
