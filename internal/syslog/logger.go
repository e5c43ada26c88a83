// Package syslog is the coordinator's structured logging front end. It
// wraps zerolog behind a package-level *Logger, builder-style entries,
// and per-job log files that rotate through lumberjack.
package syslog

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// L is the process-wide logger. Job-scoped entries are written through it
// too, tagged with their log id via WithJob.
var L *Logger

func init() {
	zlogger := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.NoColor = true
		w.FormatCaller = func(i interface{}) string {
			c, _ := i.(string)
			if c == "" {
				return ""
			}
			parts := strings.Split(c, "/")
			if len(parts) >= 2 {
				return fmt.Sprintf("%s/%s", parts[len(parts)-2], parts[len(parts)-1])
			}
			return filepath.Base(c)
		}
	})).With().
		CallerWithSkipFrameCount(3).
		Timestamp().
		Logger()

	L = &Logger{zlog: &zlogger}
}

type Logger struct {
	mu       sync.RWMutex
	zlog     *zerolog.Logger
	disabled bool
}

type LogEntry struct {
	Level   string
	Message string
	JobID   string
	Err     error
	Fields  map[string]interface{}
	logger  *Logger
}

func (l *Logger) Error(err error) *LogEntry {
	return &LogEntry{Level: "error", Err: err, Fields: map[string]interface{}{}, logger: l}
}

func (l *Logger) Warn() *LogEntry {
	return &LogEntry{Level: "warn", Fields: map[string]interface{}{}, logger: l}
}

func (l *Logger) Info() *LogEntry {
	return &LogEntry{Level: "info", Fields: map[string]interface{}{}, logger: l}
}

func (e *LogEntry) WithMessage(msg string) *LogEntry {
	e.Message = msg
	return e
}

func (e *LogEntry) WithJob(logID string) *LogEntry {
	e.JobID = logID
	return e
}

func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.Fields[key] = value
	return e
}

func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

func (e *LogEntry) Write() {
	e.logger.mu.RLock()
	defer e.logger.mu.RUnlock()
	if e.logger.disabled {
		return
	}
	if e.JobID != "" {
		e.Fields["logid"] = e.JobID
	}

	switch e.Level {
	case "error":
		e.logger.zlog.Error().Err(e.Err).Fields(e.Fields).Msg(e.Message)
	case "warn":
		e.logger.zlog.Warn().Fields(e.Fields).Msg(e.Message)
	default:
		e.logger.zlog.Info().Fields(e.Fields).Msg(e.Message)
	}
}

// JobLogger is a per-backup-job log sink: stdout/console via L plus a
// rotated file under logDir/<logid>.log, splitting console output from
// the durable per-job task log.
type JobLogger struct {
	LogID string
	file  *lumberjack.Logger
	mu    sync.Mutex
}

func NewJobLogger(logDir, logID string) *JobLogger {
	return &JobLogger{
		LogID: logID,
		file: &lumberjack.Logger{
			Filename:   filepath.Join(logDir, logID+".log"),
			MaxSize:    20,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
	}
}

func (j *JobLogger) Write(p []byte) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Write(p)
}

func (j *JobLogger) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

func (j *JobLogger) Info(msg string, fields map[string]interface{}) {
	L.Info().WithJob(j.LogID).WithFields(fields).WithMessage(msg).Write()
}

func (j *JobLogger) Warn(msg string, fields map[string]interface{}) {
	L.Warn().WithJob(j.LogID).WithFields(fields).WithMessage(msg).Write()
}

func (j *JobLogger) Error(err error, msg string, fields map[string]interface{}) {
	L.Error(err).WithJob(j.LogID).WithFields(fields).WithMessage(msg).Write()
}
