package cmd

import (
	"errors"
	"flag"

	"github.com/PatchLens/go-spectra-lens/spectra"
)

// ParseFlags builds Config from the command line.
func ParseFlags() (*spectra.Config, error) {
	config := &spectra.Config{}

	spectraFile := flag.String("spectra", "", "Spectra archive to load")
	outFile := flag.String("out", "", "Re-encode the spectra into this archive")
	sparse := flag.Bool("sparse", false, "Store involved node ordinals instead of dense flags")
	compress := flag.Bool("compress", false, "Compress dense involvement entries")
	index := flag.Bool("index", false, "Store node identifiers through a shared name table")
	csvFile := flag.String("csv", "", "Export the involvement matrix as CSV")
	bicluster := flag.Bool("bicluster", false, "Use the bicluster CSV layout")
	chartFile := flag.String("chart", "", "Render a coverage summary chart (.png, .jpg or .svg)")
	diffFile := flag.String("diff", "", "Compare node identifiers against another spectra archive")
	cacheMB := flag.Int("cachemb", 0, "Chunk cache budget in MB for spilled execution traces, 0 keeps traces in memory")
	spillDir := flag.String("spilldir", "", "Existing directory to hold a temporary spill store for execution trace chunks")

	flag.Parse()

	if *spectraFile == "" {
		return nil, errors.New("usage: -spectra in.zip [-out out.zip [-sparse] [-compress] [-index]] [-csv out.csv [-bicluster]] [-chart out.png] [-diff other.zip]")
	} else if *bicluster && *csvFile == "" {
		return nil, errors.New("-bicluster requires -csv")
	} else if (*sparse || *compress || *index) && *outFile == "" {
		return nil, errors.New("-sparse, -compress and -index require -out")
	}

	config.SpectraFile = *spectraFile
	config.OutFile = *outFile
	config.Sparse = *sparse
	config.Compress = *compress
	config.Index = *index
	config.CSVFile = *csvFile
	config.Bicluster = *bicluster
	config.ChartFile = *chartFile
	config.DiffFile = *diffFile
	config.CacheMB = *cacheMB
	config.SpillDir = *spillDir

	return config, nil
}
