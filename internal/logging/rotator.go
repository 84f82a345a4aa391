package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// rotStamp is the timestamp layout embedded in rotated segment names,
// millisecond precision so back-to-back rotations never collide.
// Retention parses it back out of the file name, so renaming a segment
// opts it out of pruning.
const rotStamp = "20060102T150405.000"

// RotatorOptions bound the disk footprint of a rotating log sink.
type RotatorOptions struct {
	// MaxBytes rotates the active file before a write would push it
	// past this size. Zero means 100 MB.
	MaxBytes int64

	// MaxAgeDays prunes rotated segments older than this many days.
	// Zero keeps segments until MaxBackups evicts them.
	MaxAgeDays int

	// MaxBackups prunes the oldest rotated segments beyond this count.
	// Zero keeps all of them.
	MaxBackups int

	// Compress gzips segments after rotation.
	Compress bool
}

// Rotator is an append-only file sink. It starts a fresh segment when
// the active file would grow past MaxBytes or when the calendar day
// changes, and prunes rotated segments by age and count.
type Rotator struct {
	path string
	opts RotatorOptions

	mu      sync.Mutex
	f       *os.File
	written int64
	day     string
}

// NewRotator opens or creates the active log file at path.
func NewRotator(path string, opts RotatorOptions) (*Rotator, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 100 << 20
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("log directory: %w", err)
	}
	r := &Rotator{path: path, opts: opts}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", r.path, err)
	}
	r.f = f
	r.written = st.Size()
	r.day = time.Now().Format("2006-01-02")
	return nil
}

// Write appends p to the active segment, rotating first when the write
// would cross the size limit or the day has changed.
func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	now := time.Now()
	if r.written+int64(len(p)) > r.opts.MaxBytes || now.Format("2006-01-02") != r.day {
		if err := r.rotate(now); err != nil {
			return 0, fmt.Errorf("rotate %s: %w", r.path, err)
		}
	}
	n, err := r.f.Write(p)
	r.written += int64(n)
	return n, err
}

// Close closes the active segment. A later Write reopens it.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// rotate renames the active file to a timestamped segment and opens a
// fresh one. Compression runs in the background so a large segment
// never stalls the writer holding r.mu.
func (r *Rotator) rotate(now time.Time) error {
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil

	seg := r.segmentName(now)
	if err := os.Rename(r.path, seg); err != nil && !os.IsNotExist(err) {
		return err
	}
	if r.opts.Compress {
		go compressSegment(seg)
	}
	r.prune(now)
	return r.open()
}

// segmentName injects a timestamp between the base name and extension:
// diaryd.log becomes diaryd-20260825T143000.512.log.
func (r *Rotator) segmentName(at time.Time) string {
	ext := filepath.Ext(r.path)
	return strings.TrimSuffix(r.path, ext) + "-" + at.Format(rotStamp) + ext
}

type segment struct {
	path string
	at   time.Time
}

// segments lists rotated files next to the active one, oldest first.
// Timestamps come from file names rather than mtimes, so a segment
// copied between hosts keeps its place in the retention order.
func (r *Rotator) segments() []segment {
	dir := filepath.Dir(r.path)
	ext := filepath.Ext(r.path)
	stem := strings.TrimSuffix(filepath.Base(r.path), ext)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var segs []segment
	for _, e := range entries {
		name := e.Name()
		rest, ok := strings.CutPrefix(name, stem+"-")
		if !ok {
			continue
		}
		rest = strings.TrimSuffix(rest, ".gz")
		rest = strings.TrimSuffix(rest, ext)
		at, err := time.ParseInLocation(rotStamp, rest, time.Local)
		if err != nil {
			continue
		}
		segs = append(segs, segment{path: filepath.Join(dir, name), at: at})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].at.Before(segs[j].at) })
	return segs
}

// prune applies the count and age retention limits to rotated segments.
func (r *Rotator) prune(now time.Time) {
	segs := r.segments()
	if n := r.opts.MaxBackups; n > 0 && len(segs) > n {
		for _, s := range segs[:len(segs)-n] {
			os.Remove(s.path)
		}
		segs = segs[len(segs)-n:]
	}
	if d := r.opts.MaxAgeDays; d > 0 {
		cutoff := now.AddDate(0, 0, -d)
		for _, s := range segs {
			if s.at.Before(cutoff) {
				os.Remove(s.path)
			}
		}
	}
}

// compressSegment gzips a rotated segment in place, leaving the
// original behind when anything fails.
func compressSegment(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(path)

	_, err = io.Copy(zw, in)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}
