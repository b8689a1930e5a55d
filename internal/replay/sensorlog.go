package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"bletelemetry/internal/orientation"
)

// Log format: line-oriented text.
//
//   - Blank lines and lines starting with '#' are ignored.
//   - Line "START" resets the origin (next record time is relative to 0 again).
//   - Data lines are <t_ns>,<kind>,<x>,<y>,<z> where t_ns is nanoseconds since
//     START, kind is A (accelerometer) or M (magnetometer) and x, y, z are the
//     raw sensor axes.

type Kind byte

const (
	// Start marks a START line.
	Start         Kind = 0
	Accelerometer Kind = 'A'
	Magnetometer  Kind = 'M'
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "START"
	case Accelerometer, Magnetometer:
		return string(rune(k))
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

type Record struct {
	At   time.Duration
	Kind Kind
	Vec  orientation.Vector3
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{Kind: Start})
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseLine(line string) (Record, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return Record{}, fmt.Errorf("invalid replay line (want 5 fields, got %d): %q", len(fields), line)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
		if fields[i] == "" {
			return Record{}, fmt.Errorf("invalid replay line (empty field): %q", line)
		}
	}

	tsNs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid replay timestamp %q: %w", fields[0], err)
	}
	if tsNs < 0 {
		return Record{}, fmt.Errorf("invalid replay timestamp (negative): %d", tsNs)
	}

	var kind Kind
	switch fields[1] {
	case "A":
		kind = Accelerometer
	case "M":
		kind = Magnetometer
	default:
		return Record{}, fmt.Errorf("invalid replay sensor kind %q", fields[1])
	}

	var xyz [3]float64
	for i := range xyz {
		v, err := strconv.ParseFloat(fields[2+i], 64)
		if err != nil {
			return Record{}, fmt.Errorf("invalid replay axis value %q: %w", fields[2+i], err)
		}
		xyz[i] = v
	}
	return Record{
		At:   time.Duration(tsNs),
		Kind: kind,
		Vec:  orientation.Vector3{X: xyz[0], Y: xyz[1], Z: xyz[2]},
	}, nil
}

// Writer records sensor samples. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: time.Now()}, nil
}

func (ww *Writer) WriteSample(now time.Time, kind Kind, v orientation.Vector3) error {
	if kind != Accelerometer && kind != Magnetometer {
		return fmt.Errorf("replay: cannot record kind %v", kind)
	}
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("replay writer is closed")
	}

	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	_, err := fmt.Fprintf(ww.w, "%d,%c,%s,%s,%s\n", d.Nanoseconds(), byte(kind),
		formatAxis(v.X), formatAxis(v.Y), formatAxis(v.Z))
	return err
}

func formatAxis(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

// Sleeper waits between replayed records. Sleep returns ctx.Err() if ctx is
// done before d elapses.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Play replays records with their relative timing, calling cb for every
// sensor record. START markers reset the origin.
//
// speedMultiplier: 1.0 = real time, 2.0 = 2x speed (half waits), 0.5 = half speed.
// Play returns ctx.Err() once ctx is done.
func Play(ctx context.Context, records []Record, speedMultiplier float64, loop bool, sleeper Sleeper, cb func(Record) error) error {
	if speedMultiplier <= 0 {
		return fmt.Errorf("speedMultiplier must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}

	for {
		var origin time.Duration
		var lastAt time.Duration
		var haveLast bool

		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Kind == Start {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}

			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast {
				wait := at - lastAt
				if wait < 0 {
					wait = 0
				}
				wait = time.Duration(float64(wait) / speedMultiplier)
				if wait > 0 {
					if err := sleeper.Sleep(ctx, wait); err != nil {
						return err
					}
				}
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := cb(r); err != nil {
				return err
			}

			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}

// ReadFile loads every record from a log on disk.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}
