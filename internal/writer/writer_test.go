package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
	"github.com/VamsiGaletiInfinize/crawlscrap/pkg/types"
)

func testRecord(i int) *types.ScrapedContent {
	return &types.ScrapedContent{
		URL:       fmt.Sprintf("https://example.com/%d", i),
		Title:     fmt.Sprintf("Page %d", i),
		Depth:     i % 3,
		WordCount: 100 + i,
		Language:  "en",
		Status:    types.StatusSuccess,
		ScrapedAt: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestWriter(t *testing.T, format string) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.OutputConfig{Dir: dir, Format: format, FlushInterval: 3, MaxBuffer: 10}
	w, err := New(cfg, "job1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, dir
}

func readMeta(t *testing.T, dir string) Meta {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "job1-meta.json"))
	if err != nil {
		t.Fatalf("meta file: %v", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("meta malformed: %v", err)
	}
	return meta
}

func TestJSONLRoundTrip(t *testing.T) {
	w, dir := newTestWriter(t, "jsonl")

	const n = 7
	for i := 0; i < n; i++ {
		if err := w.Write(testRecord(i)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var records []types.ScrapedContent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec types.ScrapedContent
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d malformed: %v", len(records), err)
		}
		records = append(records, rec)
	}

	if len(records) != n {
		t.Fatalf("read %d records, want %d", len(records), n)
	}
	for i, rec := range records {
		if rec.URL != testRecord(i).URL {
			t.Fatalf("record %d out of order: %s", i, rec.URL)
		}
	}

	meta := readMeta(t, dir)
	if meta.TotalResults != n || meta.Format != "jsonl" || meta.JobID != "job1" {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestJSONArray(t *testing.T) {
	w, dir := newTestWriter(t, "json")

	const n = 5
	for i := 0; i < n; i++ {
		if err := w.Write(testRecord(i)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	var records []types.ScrapedContent
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("file is not a JSON array: %v", err)
	}
	if len(records) != n {
		t.Fatalf("array length = %d, want %d", len(records), n)
	}
	if readMeta(t, dir).TotalResults != n {
		t.Fatalf("meta totalResults mismatch")
	}
}

func TestEmptyJSONArrayStillParses(t *testing.T) {
	w, _ := newTestWriter(t, "json")
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	var records []types.ScrapedContent
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("empty array malformed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty array, got %d", len(records))
	}
}

func TestCSVQuoting(t *testing.T) {
	w, _ := newTestWriter(t, "csv")

	rec := testRecord(0)
	rec.Title = `He said "hi", twice`
	if err := w.Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want header + 1", len(lines))
	}
	if lines[0] != `"url","title","depth","wordCount","language","scrapedAt"` {
		t.Fatalf("header = %s", lines[0])
	}
	if !strings.Contains(lines[1], `"He said ""hi"", twice"`) {
		t.Fatalf("quote escaping broken: %s", lines[1])
	}
}

func TestAutoFlushAtInterval(t *testing.T) {
	w, _ := newTestWriter(t, "jsonl")

	w.Write(testRecord(0))
	w.Write(testRecord(1))
	if info, _ := os.Stat(w.Path()); info.Size() != 0 {
		t.Fatal("flushed before reaching interval")
	}
	w.Write(testRecord(2))
	info, err := os.Stat(w.Path())
	if err != nil || info.Size() == 0 {
		t.Fatal("interval reached but nothing flushed")
	}
	w.Close()
}

func TestWriteAfterClose(t *testing.T) {
	w, _ := newTestWriter(t, "jsonl")
	w.Close()
	if err := w.Write(testRecord(0)); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestConcurrentWritesStayIntact(t *testing.T) {
	w, _ := newTestWriter(t, "jsonl")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := w.Write(testRecord(i)); err != nil {
				t.Errorf("Write: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec types.ScrapedContent
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("interleaved fragment at line %d: %v", count, err)
		}
		count++
	}
	if count != n {
		t.Fatalf("read %d records, want %d", count, n)
	}
}
