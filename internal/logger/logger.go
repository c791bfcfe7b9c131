package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is the process log sink: stdout, a file per day and optionally Elasticsearch
type Logger struct {
	logDir      string
	prefix      string
	currentDate string
	logFile     *os.File
	stdout      io.Writer
	es          *esWriter
	now         func() time.Time
	mu          sync.Mutex
}

// InitLogger points the standard logger at a Logger for service, writing daily files
// under logDir and shipping lines to Elasticsearch when esCfg is enabled.
func InitLogger(logDir, service string, esCfg *ESConfig) error {
	var err error
	once.Do(func() {
		defaultLogger, err = NewLogger(logDir, service)
		if err != nil {
			return
		}
		if esCfg != nil && esCfg.Enabled {
			es, esErr := newESWriter(esCfg, service)
			if esErr != nil {
				// file and stdout logging still work without ES
				log.Printf("⚠️  Elasticsearch log shipping disabled: %v", esErr)
			} else {
				defaultLogger.es = es
			}
		}
		// Replace standard log output
		log.SetOutput(defaultLogger)
		log.SetFlags(log.LstdFlags)
	})
	return err
}

// NewLogger creates a logger writing <logDir>/<service>-YYYYMMDD.log
func NewLogger(logDir, service string) (*Logger, error) {
	// Create log directory if it doesn't exist
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &Logger{
		logDir: logDir,
		prefix: service,
		stdout: os.Stdout,
		now:    time.Now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotateLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

// rotateLocked switches to a new file when the date changed
func (l *Logger) rotateLocked() error {
	today := l.now().Format("20060102")
	if l.currentDate == today && l.logFile != nil {
		return nil
	}

	if l.logFile != nil {
		l.logFile.Close()
		l.logFile = nil
	}

	name := today + ".log"
	if l.prefix != "" {
		name = l.prefix + "-" + name
	}
	logFile, err := os.OpenFile(filepath.Join(l.logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.logFile = logFile
	l.currentDate = today
	return nil
}

// Write implements io.Writer interface
func (l *Logger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.stdout.Write(p)
	if err != nil {
		return n, err
	}

	if rotErr := l.rotateLocked(); rotErr == nil && l.logFile != nil {
		if _, err := l.logFile.Write(p); err != nil {
			return n, err
		}
	}

	if l.es != nil {
		_, _ = l.es.Write(p)
	}
	return n, nil
}

// Close flushes the Elasticsearch shipper and closes the log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.es != nil {
		if err := l.es.Close(); err != nil {
			fmt.Fprintf(l.stdout, "failed to close Elasticsearch writer: %v\n", err)
		}
		l.es = nil
	}
	if l.logFile != nil {
		err := l.logFile.Close()
		l.logFile = nil
		return err
	}
	return nil
}

// GetLogger returns the default logger instance
func GetLogger() *Logger {
	return defaultLogger
}
