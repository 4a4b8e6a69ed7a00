// Package writer streams scraped records to an append-only result file.
package writer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
	"github.com/VamsiGaletiInfinize/crawlscrap/pkg/types"
)

// Format selects the output encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
)

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("writer is closed")

var csvHeader = []string{"url", "title", "depth", "wordCount", "language", "scrapedAt"}

// Meta is the sidecar file written next to the results on Close.
type Meta struct {
	JobID        string    `json:"jobId"`
	OutputPath   string    `json:"outputPath"`
	Format       string    `json:"format"`
	TotalResults int       `json:"totalResults"`
	CompletedAt  time.Time `json:"completedAt"`
}

// Writer buffers scraped records and appends them to a single result file.
// Record emission is serialised, so concurrent writers never interleave
// fragments; flushed output is never rewritten.
type Writer struct {
	mu sync.Mutex

	file   *os.File
	format Format
	jobID  string
	path   string
	dir    string

	flushInterval int
	maxBuffer     int

	buffer []*types.ScrapedContent
	total  int
	wrote  bool
	closed bool
}

// ParseFormat maps a config string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jsonl", "":
		return FormatJSONL, nil
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", s)
	}
}

// New opens the result file for a job and writes any leading framing.
func New(cfg config.OutputConfig, jobID string) (*Writer, error) {
	format, err := ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(cfg.Dir, fmt.Sprintf("%s-results.%s", jobID, format))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open result file: %w", err)
	}

	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}
	maxBuffer := cfg.MaxBuffer
	if maxBuffer < flushInterval {
		maxBuffer = flushInterval * 10
	}

	w := &Writer{
		file:          file,
		format:        format,
		jobID:         jobID,
		path:          path,
		dir:           cfg.Dir,
		flushInterval: flushInterval,
		maxBuffer:     maxBuffer,
	}

	switch format {
	case FormatJSON:
		if _, err := file.WriteString("[\n"); err != nil {
			file.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	case FormatCSV:
		if _, err := file.WriteString(csvLine(csvHeader)); err != nil {
			file.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	}
	return w, nil
}

// Write buffers one record, flushing when the buffer reaches the flush
// interval (or, forcibly, the max buffer bound).
func (w *Writer) Write(rec *types.ScrapedContent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	w.buffer = append(w.buffer, rec)
	w.total++

	if len(w.buffer) >= w.flushInterval || len(w.buffer) >= w.maxBuffer {
		return w.flushLocked()
	}
	return nil
}

// Flush forces buffered records out to the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.flushLocked()
}

// Close flushes, writes the format footer, closes the file, and writes the
// sibling metadata file. The output is complete and self-describing after
// Close returns.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	var errs error
	if err := w.flushLocked(); err != nil {
		errs = errors.Join(errs, err)
	}
	if w.format == FormatJSON {
		if _, err := w.file.WriteString("\n]\n"); err != nil {
			errs = errors.Join(errs, fmt.Errorf("write footer: %w", err))
		}
	}
	if err := w.file.Close(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("close result file: %w", err))
	}
	w.closed = true

	meta := Meta{
		JobID:        w.jobID,
		OutputPath:   w.path,
		Format:       string(w.format),
		TotalResults: w.total,
		CompletedAt:  time.Now(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Join(errs, fmt.Errorf("marshal meta: %w", err))
	}
	metaPath := filepath.Join(w.dir, w.jobID+"-meta.json")
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		return errors.Join(errs, fmt.Errorf("write meta: %w", err))
	}
	return errs
}

// Path returns the result file path.
func (w *Writer) Path() string {
	return w.path
}

// Total returns the number of records accepted so far.
func (w *Writer) Total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

func (w *Writer) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	var b strings.Builder
	for _, rec := range w.buffer {
		switch w.format {
		case FormatJSONL:
			line, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			b.Write(line)
			b.WriteByte('\n')
		case FormatJSON:
			line, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			if w.wrote {
				b.WriteString(",\n")
			}
			b.WriteString("  ")
			b.Write(line)
			w.wrote = true
		case FormatCSV:
			b.WriteString(csvLine([]string{
				rec.URL,
				rec.Title,
				strconv.Itoa(rec.Depth),
				strconv.Itoa(rec.WordCount),
				rec.Language,
				rec.ScrapedAt.Format(time.RFC3339),
			}))
		}
	}
	if _, err := w.file.WriteString(b.String()); err != nil {
		return fmt.Errorf("flush records: %w", err)
	}
	w.buffer = w.buffer[:0]
	return nil
}

// csvLine quotes every field and doubles embedded quotes.
func csvLine(fields []string) string {
	var b strings.Builder
	for i, field := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(field, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteByte('\n')
	return b.String()
}
