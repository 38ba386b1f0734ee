package spectra

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the command line options of the spectra tool.
type Config struct {
	SpectraFile, OutFile, CSVFile, ChartFile, DiffFile string
	Sparse, Compress, Index, Bicluster               bool
	// CacheMB bounds the chunk cache used when execution traces spill to disk, zero keeps all in memory.
	CacheMB int
	// SpillDir holds spilled execution trace chunks when CacheMB is set, a temp dir if empty.
	SpillDir string
}

// SaveOptions returns the archive encoding selected by the flags.
func (c *Config) SaveOptions() SaveOptions {
	return SaveOptions{Sparse: c.Sparse, Compress: c.Compress, Index: c.Index}
}

// Validate checks the input exists and that output paths can be written.
func (c *Config) Validate() error {
	if c.SpectraFile == "" {
		return errors.New("spectra archive is required")
	}
	if info, err := os.Stat(c.SpectraFile); err != nil {
		return fmt.Errorf("spectra archive not accessible: %w", err)
	} else if info.IsDir() {
		return fmt.Errorf("spectra archive is a directory: %s", c.SpectraFile)
	}
	if c.DiffFile != "" {
		if _, err := os.Stat(c.DiffFile); err != nil {
			return fmt.Errorf("diff archive not accessible: %w", err)
		}
	}
	for _, out := range []string{c.OutFile, c.CSVFile, c.ChartFile} {
		if out == "" {
			continue
		} else if abs, err := filepath.Abs(out); err != nil {
			return fmt.Errorf("error resolving output path: %w", err)
		} else if abs == mustAbs(c.SpectraFile) {
			return fmt.Errorf("output would overwrite input: %s", out)
		} else if info, err := os.Stat(filepath.Dir(abs)); err != nil || !info.IsDir() {
			return fmt.Errorf("output directory does not exist: %s", filepath.Dir(abs))
		}
	}
	if c.CacheMB < 0 {
		return errors.New("cache size must not be negative")
	}
	if c.SpillDir != "" {
		// spill data goes into a fresh subdirectory, the directory itself must already exist
		if info, err := os.Stat(c.SpillDir); err != nil {
			return fmt.Errorf("spill directory not accessible: %w", err)
		} else if !info.IsDir() {
			return fmt.Errorf("spill directory is not a directory: %s", c.SpillDir)
		}
	}
	return nil
}

func mustAbs(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
