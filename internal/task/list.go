package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"taskrunner/internal/config"
)

// LoadList reads, decodes and validates a task list.
func LoadList(path string) ([]Task, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task list: %w", err)
	}
	tasks, err := DecodeList(path, b)
	if err != nil {
		return nil, err
	}
	if err := Validate(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// DecodeList decodes a JSON or YAML (by extension) array of task entries.
// It does not validate.
func DecodeList(path string, data []byte) ([]Task, error) {
	var specs []Spec
	// YAML goes through JSON so both shapes share Spec.UnmarshalJSON.
	data, format, err := config.CoerceToJSON(path, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s task list: %w", format, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	out := make([]Task, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Task())
	}
	return out, nil
}

// WriteList writes tasks as an indented JSON array (or YAML for .yaml/.yml).
func WriteList(path string, tasks []Task) error {
	specs := make([]Spec, 0, len(tasks))
	for _, t := range tasks {
		specs = append(specs, SpecOf(t))
	}

	var (
		b   []byte
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var v any
		jb, jerr := json.Marshal(specs)
		if jerr != nil {
			return jerr
		}
		if err := json.Unmarshal(jb, &v); err != nil {
			return err
		}
		b, err = yaml.Marshal(v)
	default:
		b, err = json.MarshalIndent(specs, "", "  ")
		b = append(b, '\n')
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, 0o644)
}

// Dummy returns n placeholder tasks named handle_000, handle_001, ...
// Each sleeps for a short, handle dependent time and fails one time in
// five, which makes retries and failure reporting visible.
func Dummy(n, retries int) []Task {
	if n < 0 {
		n = 0
	}
	width := len(fmt.Sprint(max(n-1, 0)))
	if width < 3 {
		width = 3
	}
	out := make([]Task, 0, n)
	for i := 0; i < n; i++ {
		script := fmt.Sprintf("echo start %d; sleep %d; echo done; exit %d", i, 1+i%3, boolInt(i%5 == 4))
		out = append(out, Task{
			Handle:           fmt.Sprintf("handle_%0*d", width, i),
			Command:          []string{"/bin/sh", "-c", script},
			RetriesRemaining: retries,
		})
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
