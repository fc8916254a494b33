// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotationConfig controls size- and age-based rotation for a file sink.
type RotationConfig struct {
	// Filename is the path to the active log file.
	Filename string

	// MaxSize is the size in MB at which the active file is rotated.
	MaxSize int

	// MaxAge is how many days a rotated file is kept before cleanup
	// deletes it.
	MaxAge int

	// MaxBackups caps how many rotated files are kept regardless of age.
	MaxBackups int

	// Compress renames rotated files with a .gz suffix. No actual
	// compression is performed; see compressFile.
	Compress bool

	// LocalTime selects local time for rotation timestamps instead of
	// UTC. Currently unused: timestamps are always wall-clock local.
	LocalTime bool
}

// RotatingFileWriter is a zapcore.WriteSyncer that rotates its backing
// file once it crosses MaxSize or the calendar day changes, and reaps
// rotated files older than MaxAge or beyond MaxBackups.
type RotatingFileWriter struct {
	mu     sync.Mutex
	config RotationConfig

	file    *os.File
	size    int64
	lastDay int
}

// NewRotatingFileWriter opens config.Filename and starts its background
// cleanup loop.
func NewRotatingFileWriter(config RotationConfig) (*RotatingFileWriter, error) {
	if config.MaxSize == 0 {
		config.MaxSize = 100
	}
	if config.MaxAge == 0 {
		config.MaxAge = 7
	}
	if config.MaxBackups == 0 {
		config.MaxBackups = 10
	}

	w := &RotatingFileWriter{
		config: config,
	}

	if err := w.openFile(); err != nil {
		return nil, err
	}

	go w.cleanupRoutine()

	return w, nil
}

// Write implements io.Writer, rotating first if the write would cross
// MaxSize or the day has rolled over.
func (w *RotatingFileWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldRotate(len(p)) {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Sync implements zapcore.WriteSyncer.
func (w *RotatingFileWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Sync()
	}
	return nil
}

// Close closes the active file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *RotatingFileWriter) openFile() error {
	dir := filepath.Dir(w.config.Filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(w.config.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	w.file = file
	w.size = info.Size()
	w.lastDay = time.Now().Day()

	return nil
}

func (w *RotatingFileWriter) shouldRotate(writeLen int) bool {
	if w.size+int64(writeLen) >= int64(w.config.MaxSize)*1024*1024 {
		return true
	}

	currentDay := time.Now().Day()
	if currentDay != w.lastDay {
		return true
	}

	return false
}

func (w *RotatingFileWriter) rotate() error {
	if w.file != nil {
		w.file.Close()
	}

	timestamp := time.Now().Format("2006-01-02-15-04-05")
	backupName := w.config.Filename + "." + timestamp

	if err := os.Rename(w.config.Filename, backupName); err != nil {
		// Couldn't rename the active file out of the way; reopen it
		// in place rather than lose log output.
		return w.openFile()
	}

	if w.config.Compress {
		go compressFile(backupName)
	}

	return w.openFile()
}

func (w *RotatingFileWriter) cleanupRoutine() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		w.cleanup()
	}
}

func (w *RotatingFileWriter) cleanup() {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(w.config.Filename)
	base := filepath.Base(w.config.Filename)

	files, err := filepath.Glob(filepath.Join(dir, base+".*"))
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.config.MaxAge)

	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			os.Remove(file)
			continue
		}
	}

	if len(files) > w.config.MaxBackups {
		for i := 0; i < len(files)-w.config.MaxBackups; i++ {
			os.Remove(files[i])
		}
	}
}

// compressFile stands in for real compression: production deployments
// would gzip the file here, this just tags it with the extension a log
// shipper expects.
func compressFile(filename string) {
	newName := filename + ".gz"
	os.Rename(filename, newName)
}
