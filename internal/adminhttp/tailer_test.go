package adminhttp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/totpguard/totpguard/internal/accounting"
)

func TestTailerBroadcastsNewValidLines(t *testing.T) {
	dir := t.TempDir()
	tl := newTailer(dir)

	ch := tl.Subscribe()
	defer tl.Unsubscribe(ch)

	today := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, today+".jsonl")

	event := accounting.AccountingEvent{EventType: "verify_attempt", Username: "alice", Decision: "ALLOW"}
	data, _ := json.Marshal(event)

	if err := os.WriteFile(path, append(data, '\n'), 0640); err != nil {
		t.Fatal(err)
	}

	select {
	case line := <-ch:
		var got accounting.AccountingEvent
		if err := json.Unmarshal(line, &got); err != nil {
			t.Fatalf("broadcast line was not valid JSON: %v", err)
		}
		if got.Username != "alice" {
			t.Errorf("expected username alice, got %q", got.Username)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tailer to broadcast the new line")
	}
}

func TestTailerSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	tl := newTailer(dir)

	ch := tl.Subscribe()
	defer tl.Unsubscribe(ch)

	today := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, today+".jsonl")

	if err := os.WriteFile(path, []byte("not json\n"), 0640); err != nil {
		t.Fatal(err)
	}

	select {
	case line := <-ch:
		t.Fatalf("did not expect a broadcast for a malformed line, got %q", line)
	case <-time.After(1500 * time.Millisecond):
		// expected: nothing broadcast
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	tl := newTailer(t.TempDir())
	ch := tl.Subscribe()
	tl.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
}
