package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LineFile 是一个按行组织的纯文本列表文件 (每行一个代理，无表头)。
// 每一次 "读-改-写" 都在 mu 的保护下完成，重写通过临时文件 + rename 原子替换，
// 因此并发会话不会丢失彼此的修改，进程中断也不会留下写了一半的文件。
type LineFile struct {
	path string
	mu   sync.Mutex
}

// NewLineFile 创建一个新的 LineFile 实例。文件不存在时按空列表处理。
func NewLineFile(path string) *LineFile {
	return &LineFile{path: path}
}

// Path returns the file location.
func (f *LineFile) Path() string { return f.path }

// ReadLines returns the file's lines, trimmed, skipping blank ones.
func (f *LineFile) ReadLines() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := f.readRawLocked()
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines, nil
}

// AppendUnique 在没有任何已有行满足 same 时追加 line。
// 返回 true 表示确实写入了新行。
func (f *LineFile) AppendUnique(line string, same func(existing string) bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("read %s: %w", f.path, err)
	}
	for _, existing := range splitLines(data) {
		if trimmed := strings.TrimSpace(existing); trimmed != "" && same(trimmed) {
			return false, nil
		}
	}

	var buf bytes.Buffer
	if len(data) > 0 && data[len(data)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(line)
	buf.WriteByte('\n')

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, fmt.Errorf("open %s for append: %w", f.path, err)
	}
	// 单次 write，一行要么完整写入要么完全没有。
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		return false, fmt.Errorf("append to %s: %w", f.path, err)
	}
	if err := file.Close(); err != nil {
		return false, fmt.Errorf("close %s: %w", f.path, err)
	}
	return true, nil
}

// RemoveMatching 删除所有满足 match 的行，其余行保持原样和原有顺序。
// 没有匹配行 (或文件不存在) 时不做任何写入。返回删除的行数。
func (f *LineFile) RemoveMatching(match func(line string) bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := f.readRawLocked()
	if err != nil {
		return 0, err
	}

	kept := make([]string, 0, len(raw))
	removed := 0
	for _, line := range raw {
		if trimmed := strings.TrimSpace(line); trimmed != "" && match(trimmed) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return 0, nil
	}

	var sb strings.Builder
	for _, line := range kept {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	if err := f.replaceLocked([]byte(sb.String())); err != nil {
		return 0, err
	}
	return removed, nil
}

func (f *LineFile) readRawLocked() ([]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return splitLines(data), nil
}

// replaceLocked writes data to a sibling temp file and renames it over the target.
func (f *LineFile) replaceLocked(data []byte) error {
	dir, base := filepath.Split(f.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", f.path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp for %s: %w", f.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp for %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp for %s: %w", f.path, err)
	}
	if info, err := os.Stat(f.path); err == nil {
		_ = os.Chmod(tmpName, info.Mode().Perm())
	} else {
		_ = os.Chmod(tmpName, 0644)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

// splitLines splits on '\n' and drops the empty element after a trailing newline.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.Split(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
