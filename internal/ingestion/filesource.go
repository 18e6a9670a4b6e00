package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// maxLineBytes bounds one JSONL record.
const maxLineBytes = 4 << 20

// FileSource replays newline-delimited wire events, one JSON object per
// line, in file order. Blank lines are skipped. It is used for backfills and
// for reproducing a run from a captured stream.
type FileSource struct {
	r    io.Reader
	name string
}

func NewFileSource(r io.Reader, name string) *FileSource {
	return &FileSource{r: r, name: name}
}

// Run sends every line to out and closes out when the input is exhausted.
// Ack and Nak are no-ops: a file has no redelivery.
func (fs *FileSource) Run(ctx context.Context, out chan<- RawEvent) error {
	defer close(out)

	sc := bufio.NewScanner(fs.r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	line := 0
	for sc.Scan() {
		line++
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		raw := RawEvent{
			Source:   "file",
			Subject:  fmt.Sprintf("%s:%d", fs.name, line),
			Data:     append([]byte(nil), data...),
			Received: time.Now(),
		}
		select {
		case out <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s line %d: %w", fs.name, line+1, err)
	}
	return nil
}
