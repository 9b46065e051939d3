package runstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"avm/server/internal/model"
)

// DirStatus is an audit of a run directory on disk, independent of any
// in-process state.
type DirStatus struct {
	OutputDir       string             `json:"output_dir"`
	Exists          bool               `json:"exists"`
	Locked          bool               `json:"locked"`
	LockOwner       *LockOwner         `json:"lock_owner,omitempty"`
	StagesCompleted []model.StageName  `json:"steps_completed"`
	FilesGenerated  []string           `json:"files_generated"`
	Ledger          *model.PipelineRun `json:"ledger,omitempty"`
	LedgerError     string             `json:"ledger_error,omitempty"`
}

var generatedExts = map[string]bool{
	".mp4":  true,
	".json": true,
	".png":  true,
	".jpg":  true,
}

func Scan(runDir string) (DirStatus, error) {
	status := DirStatus{
		OutputDir:       runDir,
		StagesCompleted: []model.StageName{},
		FilesGenerated:  []string{},
	}
	info, err := os.Stat(runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return status, nil
		}
		return status, fmt.Errorf("stat run directory %s: %w", runDir, err)
	}
	if !info.IsDir() {
		return status, fmt.Errorf("run location %s is not a directory", runDir)
	}
	status.Exists = true

	lockDir := filepath.Join(runDir, runLockDirName)
	if _, err := os.Stat(lockDir); err == nil {
		status.Locked = true
		var owner LockOwner
		if ReadJSON(filepath.Join(lockDir, runLockOwnerFile), &owner) == nil {
			status.LockOwner = &owner
		}
	}

	if run, err := LoadLedger(runDir); err == nil {
		status.Ledger = &run
		for _, s := range run.Stages {
			if s.Status == model.StageCompleted {
				status.StagesCompleted = append(status.StagesCompleted, s.Stage)
			}
		}
	} else {
		if !errors.Is(err, fs.ErrNotExist) {
			status.LedgerError = err.Error()
		}
		// Without a ledger, an artifact directory is the only evidence.
		for _, stage := range model.StageOrder {
			if fi, err := os.Stat(StageDir(runDir, stage)); err == nil && fi.IsDir() {
				status.StagesCompleted = append(status.StagesCompleted, stage)
			}
		}
	}

	err = filepath.WalkDir(runDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if d.Name() == runLockDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if !generatedExts[filepath.Ext(path)] {
			return nil
		}
		rel, err := filepath.Rel(runDir, path)
		if err != nil {
			return err
		}
		status.FilesGenerated = append(status.FilesGenerated, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return status, fmt.Errorf("walk run directory %s: %w", runDir, err)
	}
	sort.Strings(status.FilesGenerated)
	return status, nil
}
