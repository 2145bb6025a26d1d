package downloader

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bilidl/pkg/fsutil"
)

const stateSuffix = ".resume.json"

// ResumeState is the sidecar record of a partially written track
type ResumeState struct {
	FilePath       string    `json:"file_path"`
	URL            string    `json:"url"`
	TotalSize      int64     `json:"total_size"`
	DownloadedSize int64     `json:"downloaded_size"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ResumeManager keeps one JSON sidecar per destination in stateDir, named
// by the md5 of the absolute destination path
type ResumeManager struct {
	stateDir string
}

// NewResumeManager creates a new resume manager
func NewResumeManager(stateDir string) *ResumeManager {
	return &ResumeManager{
		stateDir: stateDir,
	}
}

// StateDir returns the sidecar directory
func (rm *ResumeManager) StateDir() string {
	return rm.stateDir
}

func (rm *ResumeManager) getStateFilePath(filePath string) string {
	if abs, err := filepath.Abs(filePath); err == nil {
		filePath = abs
	}
	hash := md5.Sum([]byte(filePath))
	return filepath.Join(rm.stateDir, hex.EncodeToString(hash[:])+stateSuffix)
}

// SaveState writes the state atomically
func (rm *ResumeManager) SaveState(state *ResumeState) error {
	if err := fsutil.MakeDirs(rm.stateDir); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	state.UpdatedAt = time.Now()
	stateFile := rm.getStateFilePath(state.FilePath)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal resume state: %w", err)
	}

	tempFile := stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, fsutil.GetFileMode()); err != nil {
		return fmt.Errorf("failed to write resume state: %w", err)
	}
	if err := os.Rename(tempFile, stateFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to save resume state: %w", err)
	}
	return nil
}

// LoadState returns the saved state for filePath, or nil when there is none
func (rm *ResumeManager) LoadState(filePath string) (*ResumeState, error) {
	data, err := os.ReadFile(rm.getStateFilePath(filePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read resume state: %w", err)
	}

	var state ResumeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resume state: %w", err)
	}
	return &state, nil
}

// DeleteState removes the sidecar of filePath
func (rm *ResumeManager) DeleteState(filePath string) error {
	if err := os.Remove(rm.getStateFilePath(filePath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete resume state: %w", err)
	}
	return nil
}

// CreateInitialState creates the record saved when a transfer starts
func (rm *ResumeManager) CreateInitialState(filePath, url string, totalSize, downloaded int64) *ResumeState {
	now := time.Now()
	return &ResumeState{
		FilePath:       filePath,
		URL:            url,
		TotalSize:      totalSize,
		DownloadedSize: downloaded,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// UpdateProgress records the bytes on disk
func (rm *ResumeManager) UpdateProgress(state *ResumeState, downloadedSize int64) error {
	state.DownloadedSize = downloadedSize
	return rm.SaveState(state)
}

// IsComplete reports whether the file on disk already holds every byte the
// state recorded. Signed stream URLs change between runs, so the URL is
// not compared.
func (rm *ResumeManager) IsComplete(state *ResumeState) bool {
	if state == nil || state.TotalSize <= 0 {
		return false
	}
	return fsutil.FileSize(state.FilePath) == state.TotalSize
}

// CleanupOldStates removes sidecars older than maxAge and returns how many went
func (rm *ResumeManager) CleanupOldStates(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(rm.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), stateSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > maxAge {
			if os.Remove(filepath.Join(rm.stateDir, entry.Name())) == nil {
				removed++
			}
		}
	}
	return removed, nil
}
