package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// CheckLogEntry 一次检查的文件日志记录
type CheckLogEntry struct {
	Timestamp    time.Time  `json:"timestamp"`
	MonitorID    uint       `json:"monitor_id"`
	MonitorName  string     `json:"monitor_name"`
	Type         string     `json:"type"`
	Target       string     `json:"target"`
	Status       string     `json:"status"`
	ResponseTime int64      `json:"response_time"`
	StatusCode   int        `json:"status_code,omitempty"`
	Message      string     `json:"message,omitempty"`
	CertNotAfter *time.Time `json:"cert_not_after,omitempty"`
}

// CheckLogWriter appends check results to daily JSONL files:
// <dir>/check-2006-01-02.jsonl
type CheckLogWriter struct {
	dir string
	mu  sync.Mutex
}

// NewCheckLogWriter 创建目录并返回写入器
func NewCheckLogWriter(dir string) (*CheckLogWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &CheckLogWriter{dir: dir}, nil
}

func (w *CheckLogWriter) fileFor(day time.Time) string {
	return filepath.Join(w.dir, fmt.Sprintf("check-%s.jsonl", day.Format("2006-01-02")))
}

// Write appends one entry to the file of the entry's day.
func (w *CheckLogWriter) Write(entry *CheckLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.OpenFile(w.fileFor(entry.Timestamp), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	return nil
}

// LogQueryRequest 文件日志查询条件
type LogQueryRequest struct {
	MonitorID *uint      `json:"monitor_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

type LogQueryResult struct {
	Total int              `json:"total"`
	Logs  []*CheckLogEntry `json:"logs"`
}

// Query scans the daily files in the requested range (default: last 7 days),
// newest first.
func (w *CheckLogWriter) Query(req *LogQueryRequest) (*LogQueryResult, error) {
	endDate := time.Now()
	if req.EndTime != nil {
		endDate = *req.EndTime
	}
	startDate := endDate.AddDate(0, 0, -7)
	if req.StartTime != nil {
		startDate = *req.StartTime
	}

	matched := make([]*CheckLogEntry, 0)
	for d := startDate; !d.After(endDate.AddDate(0, 0, 1)); d = d.AddDate(0, 0, 1) {
		entries, err := readLogFile(w.fileFor(d))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if matchesQuery(entry, req) {
				matched = append(matched, entry)
			}
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	start := min(req.Offset, len(matched))
	end := min(start+limit, len(matched))

	return &LogQueryResult{Total: len(matched), Logs: matched[start:end]}, nil
}

func readLogFile(path string) ([]*CheckLogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	entries := make([]*CheckLogEntry, 0)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry CheckLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // 跳过损坏的行
		}
		entries = append(entries, &entry)
	}
	return entries, scanner.Err()
}

func matchesQuery(entry *CheckLogEntry, req *LogQueryRequest) bool {
	if req.MonitorID != nil && entry.MonitorID != *req.MonitorID {
		return false
	}
	if req.Status != "" && entry.Status != req.Status {
		return false
	}
	if req.StartTime != nil && entry.Timestamp.Before(*req.StartTime) {
		return false
	}
	if req.EndTime != nil && entry.Timestamp.After(*req.EndTime) {
		return false
	}
	return true
}
