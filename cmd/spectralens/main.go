package main

import (
	"errors"
	"log"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/PatchLens/go-spectra-lens/spectra"
	"github.com/PatchLens/go-spectra-lens/spectra/cmd"
	"github.com/PatchLens/go-spectra-lens/spectra/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	config, err := cmd.ParseFlags()
	if err != nil {
		log.Fatalf("%s%v", store.ErrorLogPrefix, err)
	} else if err = config.Validate(); err != nil {
		log.Fatalf("%s%v", store.ErrorLogPrefix, err)
	}

	if err := run(config); err != nil {
		log.Fatalf("%s%v", store.ErrorLogPrefix, err)
	}
}

func run(config *spectra.Config) error {
	seqConfig, closeSpill, err := spillConfig(config)
	if err != nil {
		return err
	}
	defer closeSpill()

	s, err := loadFile(config.SpectraFile, "input", seqConfig)
	if err != nil {
		return err
	}
	defer s.Close()
	if info, statErr := os.Stat(config.SpectraFile); statErr == nil {
		log.Printf("Loaded %s (%s): %s", config.SpectraFile, humanize.Bytes(uint64(info.Size())), spectra.Summarize(s))
	}

	if config.OutFile != "" {
		if err = spectra.SaveFile(config.OutFile, s, config.SaveOptions()); err != nil {
			return err
		}
		if info, statErr := os.Stat(config.OutFile); statErr == nil {
			log.Printf("Spectra file wrote: %s (%s)", config.OutFile, humanize.Bytes(uint64(info.Size())))
		}
	}
	if config.CSVFile != "" {
		if err = writeCSV(config.CSVFile, s, config.Bicluster); err != nil {
			return err
		}
		log.Println("CSV file wrote: " + config.CSVFile)
	}
	if config.ChartFile != "" {
		if err = spectra.RenderSummaryChart(config.ChartFile, s); err != nil {
			return err
		}
		log.Println("Chart file wrote: " + config.ChartFile)
	}
	if config.DiffFile != "" {
		other, err := loadFile(config.DiffFile, "diff", seqConfig)
		if err != nil {
			return err
		}
		defer other.Close()
		diff, err := spectra.DiffNodes(s, other, config.SpectraFile, config.DiffFile)
		if err != nil {
			return err
		} else if diff.Equal() {
			log.Println("Node identifiers are identical")
		} else {
			log.Printf("Node identifiers differ: %s added, %s removed\n%s",
				humanize.Comma(int64(len(diff.Added))), humanize.Comma(int64(len(diff.Removed))), diff.Unified)
		}
	}
	return nil
}

// loadFile reads an archive, spilling its execution traces under namespace of the shared spill store.
func loadFile(path, namespace string, seqConfig store.SequenceConfig) (*spectra.Spectra, error) {
	if seqConfig.Storage != nil {
		seqConfig.Storage = store.KeyPrefixStorage(seqConfig.Storage, namespace)
	}
	z, err := store.OpenZipStorage(path)
	if err != nil {
		return nil, err
	}
	defer z.Close()
	return spectra.LoadWithConfig(z, seqConfig)
}

// spillConfig backs execution traces with a temporary badger store when a cache budget is configured.
func spillConfig(config *spectra.Config) (store.SequenceConfig, func(), error) {
	if config.CacheMB <= 0 {
		return store.SequenceConfig{}, func() {}, nil
	}
	// always a fresh directory, the badger store removes it on Close
	dir, err := os.MkdirTemp(config.SpillDir, "spectralens-")
	if err != nil {
		return store.SequenceConfig{}, nil, err
	}
	db, err := store.NewBadgerStorage(dir, config.CacheMB)
	if err != nil {
		_ = os.RemoveAll(dir)
		return store.SequenceConfig{}, nil, err
	}
	cache, err := store.NewChunkCache(config.CacheMB)
	if err != nil {
		db.Close()
		return store.SequenceConfig{}, nil, err
	}
	return store.SequenceConfig{Storage: db, Cache: cache}, func() {
		cache.Close()
		db.Close()
	}, nil
}

func writeCSV(path string, s *spectra.Spectra, bicluster bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return errors.Join(spectra.WriteCSV(f, s, bicluster), f.Close())
}
