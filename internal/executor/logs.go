package executor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// heartbeatInterval is how often a running invocation stamps a liveness
// line into its log file.
const heartbeatInterval = 30 * time.Second

// logTimeFormat matches the per-line timestamps in execution logs.
const logTimeFormat = "2006-01-02 15:04:05"

// logFileName builds the on-disk log name for one execution.
func logFileName(sandboxShortID, taskID string) string {
	return fmt.Sprintf("%s-%s.log", sandboxShortID, taskID)
}

// executionLog writes timestamped lines for one agent invocation and stamps
// a heartbeat while the agent runs.
type executionLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
	stop chan struct{}
	done chan struct{}
}

// openExecutionLog creates the log file and starts the heartbeat.
func openExecutionLog(dir, sandboxShortID, taskID string) (*executionLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, logFileName(sandboxShortID, taskID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open execution log: %w", err)
	}

	l := &executionLog{
		f:    f,
		path: path,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.heartbeat()
	return l, nil
}

// Path returns the log file location.
func (l *executionLog) Path() string {
	return l.path
}

// Line writes one timestamped line.
func (l *executionLog) Line(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.f, "[%s] %s\n", time.Now().Format(logTimeFormat), text)
}

// Block writes a multi-line block with each line timestamped.
func (l *executionLog) Block(label, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format(logTimeFormat)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fmt.Fprintf(l.f, "[%s] %s: %s\n", ts, label, line)
	}
}

func (l *executionLog) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.Line("heartbeat: agent still running")
		}
	}
}

// Close stops the heartbeat and closes the file.
func (l *executionLog) Close() error {
	close(l.stop)
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// LogInfo describes one execution log file on disk.
type LogInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ListLogs returns execution log files under dir, newest first by default;
// sortBy "name" or "size" selects other orders. limit 0 means all.
func ListLogs(dir string, limit int, sortBy string) ([]LogInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	var logs []LogInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, LogInfo{
			Name:       e.Name(),
			Path:       filepath.Join(dir, e.Name()),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}

	switch sortBy {
	case "name":
		sort.Slice(logs, func(i, j int) bool { return logs[i].Name < logs[j].Name })
	case "size":
		sort.Slice(logs, func(i, j int) bool { return logs[i].SizeBytes > logs[j].SizeBytes })
	default:
		sort.Slice(logs, func(i, j int) bool { return logs[i].ModifiedAt.After(logs[j].ModifiedAt) })
	}

	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

// TailLog reads the last n lines of a log file, optionally keeping only
// lines containing filter. n 0 means the whole file.
func TailLog(path string, n int, filter string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if filter != "" && !strings.Contains(line, filter) {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// FindLog resolves a log identifier to a file under dir. The identifier may
// be an exact file name, a task id, or a sandbox short id.
func FindLog(dir, identifier string) (string, error) {
	direct := filepath.Join(dir, identifier)
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	}

	logs, err := ListLogs(dir, 0, "")
	if err != nil {
		return "", err
	}
	for _, l := range logs {
		base := strings.TrimSuffix(l.Name, ".log")
		if strings.HasPrefix(base, identifier+"-") || strings.HasSuffix(base, "-"+identifier) {
			return l.Path, nil
		}
	}
	return "", os.ErrNotExist
}
