// Package tag provides slog attributes with consistent kebab-case keys.
package tag

import (
	"log/slog"
	"time"
)

func String(key, value string) slog.Attr {
	return slog.String(key, value)
}

// Error creates a tag for error values.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// DAG creates a tag for DAG ids.
func DAG(id string) slog.Attr {
	return slog.String("dag", id)
}

// Task creates a tag for task ids.
func Task(id string) slog.Attr {
	return slog.String("task", id)
}

func RunID(id string) slog.Attr {
	return slog.String("run-id", id)
}

// ExecutionDate creates a tag for a logical execution time.
func ExecutionDate(t time.Time) slog.Attr {
	return slog.Time("execution-date", t)
}

func State(s string) slog.Attr {
	return slog.String("state", s)
}

func TryNumber(n int) slog.Attr {
	return slog.Int("try-number", n)
}

func JobID(id string) slog.Attr {
	return slog.String("job-id", id)
}

func Pool(name string) slog.Attr {
	return slog.String("pool", name)
}

// File creates a tag for file paths.
func File(path string) slog.Attr {
	return slog.String("file", path)
}

// Dir creates a tag for directory paths.
func Dir(path string) slog.Attr {
	return slog.String("dir", path)
}

func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Timeout creates a tag for timeout values.
func Timeout(d time.Duration) slog.Attr {
	return slog.Duration("timeout", d)
}

func Interval(d time.Duration) slog.Attr {
	return slog.Duration("interval", d)
}

func Reason(r string) slog.Attr {
	return slog.String("reason", r)
}

func Driver(name string) slog.Attr {
	return slog.String("driver", name)
}

func Key(k string) slog.Attr {
	return slog.String("key", k)
}
