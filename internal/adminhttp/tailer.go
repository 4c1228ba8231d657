package adminhttp

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/totpguard/totpguard/internal/accounting"
)

// tailer polls the accounting directory's current-day JSONL file for
// appended lines and fans each valid event out to subscribers. It never
// holds the accounting.Collector's own file handle open — the collector
// owns writing, the tailer only reads what has already been flushed.
type tailer struct {
	dir string

	mu   sync.Mutex
	subs map[chan []byte]struct{}

	once sync.Once
}

func newTailer(dir string) *tailer {
	return &tailer{
		dir:  dir,
		subs: make(map[chan []byte]struct{}),
	}
}

// Subscribe registers a new listener and lazily starts the poll loop on
// the first subscriber.
func (t *tailer) Subscribe() chan []byte {
	ch := make(chan []byte, 64)

	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	t.once.Do(func() { go t.run() })

	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (t *tailer) Unsubscribe(ch chan []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[ch]; ok {
		delete(t.subs, ch)
		close(ch)
	}
}

func (t *tailer) broadcast(line []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.subs {
		select {
		case ch <- line:
		default:
			// slow subscriber; drop rather than block the tail loop
		}
	}
}

// run polls the current day's log file once a second, forwarding any
// new, well-formed accounting events appended since the last read.
func (t *tailer) run() {
	var offset int64
	currentDate := ""

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		today := time.Now().UTC().Format("2006-01-02")
		if today != currentDate {
			currentDate = today
			offset = 0
		}

		path := filepath.Join(t.dir, currentDate+".jsonl")
		f, err := os.Open(path)
		if err != nil {
			continue // no log file yet today
		}

		if _, err := f.Seek(offset, 0); err != nil {
			f.Close()
			continue
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			var event accounting.AccountingEvent
			if err := json.Unmarshal(line, &event); err != nil {
				log.Printf("[adminhttp] tailer: skipping malformed line: %v", err)
				continue
			}
			lineCopy := make([]byte, len(line))
			copy(lineCopy, line)
			t.broadcast(lineCopy)
		}
		if pos, err := f.Seek(0, 1); err == nil {
			offset = pos
		}
		f.Close()
	}
}
