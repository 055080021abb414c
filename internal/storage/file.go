package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

const recordExt = ".json"

// fileStore keeps one human-readable JSON file per handle:
//
//	<dir>/<escaped handle>.json
//
// Writes go through a temp file and rename so a crash never leaves a torn
// record behind.
type fileStore struct {
	dir string
	log logx.Logger

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("progress.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{dir: dir, log: log}, nil
}

func (s *fileStore) path(handle string) string {
	return filepath.Join(s.dir, FileName(handle))
}

func (s *fileStore) Load(ctx context.Context, handle string) (Record, bool, error) {
	_ = ctx
	if strings.TrimSpace(handle) == "" {
		return Record{}, false, nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Record{}, false, ErrClosed
	}

	b, err := os.ReadFile(s.path(handle))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode progress %q: %w", handle, err)
	}
	if rec.Handle == "" {
		rec.Handle = handle
	}
	if rec.Handle != handle {
		return Record{}, false, fmt.Errorf("progress file for %q holds handle %q", handle, rec.Handle)
	}
	return rec, true, nil
}

func (s *fileStore) Save(ctx context.Context, rec Record) error {
	_ = ctx
	if strings.TrimSpace(rec.Handle) == "" {
		return errors.New("record handle is empty")
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	final := s.path(rec.Handle)
	f, err := os.CreateTemp(s.dir, ".progress-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Warn("progress.read_failed", logx.String("file", name), logx.Err(err))
			continue
		}
		rec, err := decodeRecord(b)
		if err != nil {
			s.log.Warn("progress.decode_failed", logx.String("file", name), logx.Err(err))
			continue
		}
		if rec.Handle == "" {
			if h, ok := HandleFromFileName(name); ok {
				rec.Handle = h
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// legacyRecord is the progress file layout written by the earlier scheduler:
// the task list entry plus a "workerdata" object. Duration is in seconds.
type legacyRecord struct {
	Metadata *struct {
		Handle          string `json:"handle"`
		Retries         int    `json:"retries"`
		CanHandleOutput bool   `json:"can_handle_output"`
		CanHandleError  bool   `json:"can_handle_error"`
	} `json:"metadata"`
	Args       []string `json:"args"`
	WorkerData *struct {
		ExitCode int     `json:"exit_code"`
		Duration float64 `json:"duration"`
	} `json:"workerdata"`
}

func decodeRecord(b []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, err
	}
	if rec.Handle != "" {
		return rec, nil
	}

	var old legacyRecord
	if err := json.Unmarshal(b, &old); err != nil || old.Metadata == nil {
		return rec, nil
	}
	rec = Record{
		Handle:           old.Metadata.Handle,
		Command:          old.Args,
		RetriesRemaining: old.Metadata.Retries,
		CaptureStdout:    old.Metadata.CanHandleOutput,
		CaptureStderr:    old.Metadata.CanHandleError,
	}
	if wd := old.WorkerData; wd != nil {
		rec.Result = &task.Result{
			ExitCode: wd.ExitCode,
			Duration: time.Duration(wd.Duration * float64(time.Second)),
		}
	}
	return rec, nil
}

// maxNameBytes keeps record file names under the common NAME_MAX of 255.
const maxNameBytes = 200

// FileName maps a handle to its record file name. Bytes outside
// [A-Za-z0-9_-] (and a leading dot) are escaped as %XX, so the mapping is
// one-to-one and never leaves the directory. Names longer than maxNameBytes
// are cut at an escape boundary and get a "~<hash>" suffix; those are not
// reversible and the record itself carries the handle.
func FileName(handle string) string {
	var b strings.Builder
	cut := -1
	for i := 0; i < len(handle); i++ {
		c := handle[i]
		if cut < 0 && b.Len() > maxNameBytes-hashSuffixLen-3 {
			cut = b.Len()
		}
		if safeByte(c) || (c == '.' && i > 0) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	name := b.String()
	if len(name) > maxNameBytes {
		sum := sha256.Sum256([]byte(handle))
		name = name[:cut] + "~" + hex.EncodeToString(sum[:hashSuffixLen/2])
	}
	return name + recordExt
}

// hashSuffixLen is the number of hex digits in a shortened name.
const hashSuffixLen = 16

// HandleFromFileName reverses FileName.
func HandleFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, recordExt) {
		return "", false
	}
	name = strings.TrimSuffix(name, recordExt)
	if strings.Contains(name, "~") {
		return "", false
	}
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(name) {
			return "", false
		}
		v, err := strconv.ParseUint(name[i+1:i+3], 16, 8)
		if err != nil {
			return "", false
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), true
}

func safeByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}
