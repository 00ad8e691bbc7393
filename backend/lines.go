package backend

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// maxLineSize bounds a single line read by ReadLines.
const maxLineSize = 16 * 1024 * 1024

// ReadLines reads every line of key with the trailing newline removed.
// Returns ErrNotFound if the key does not exist.
func ReadLines(ctx context.Context, b Backend, key string) ([]string, error) {
	rc, err := b.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var lines []string
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading lines: %w", err)
	}
	return lines, nil
}

// WriteLines replaces the content of key with lines, each newline terminated.
func WriteLines(ctx context.Context, b Backend, key string, lines []string) error {
	return b.Write(ctx, key, strings.NewReader(joinLines(lines)))
}

// AppendLines appends lines, each newline terminated, to an existing key.
// Returns ErrNotFound if the key does not exist.
func AppendLines(ctx context.Context, b Backend, key string, lines []string) error {
	if len(lines) == 0 {
		ok, err := b.Exists(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return nil
	}
	return b.Append(ctx, key, strings.NewReader(joinLines(lines)))
}

func joinLines(lines []string) string {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}
