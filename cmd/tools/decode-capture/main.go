// decode-capture validates a recorded session offline: it reassembles each
// unit's raw data stream from its pcap file, decodes the samples against the
// frame geometry dumped in radar.cfg, and reports packet loss and sample
// count mismatches. Results are written into the dataset catalog when it is
// present.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/mmwave-data/mmwavecap/internal/capture"
	"github.com/mmwave-data/mmwavecap/internal/capture/decode"
	"github.com/mmwave-data/mmwavecap/internal/capture/radardca"
	"github.com/mmwave-data/mmwavecap/internal/captureconfig"
	"github.com/mmwave-data/mmwavecap/internal/capturedb"
	"github.com/mmwave-data/mmwavecap/internal/dca1000"
	"github.com/mmwave-data/mmwavecap/internal/radar"
)

var (
	sessionDir = flag.String("session", "", "Session directory to validate (required)")
	unitName   = flag.String("unit", "", "Validate a single unit instead of all")
	strict     = flag.Bool("strict", false, "Fail on loss-explained sample shortfalls too")
	noCatalog  = flag.Bool("no-catalog", false, "Skip recording results in the dataset catalog")
)

func main() {
	flag.Parse()
	if *sessionDir == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := captureconfig.Load(filepath.Join(*sessionDir, capture.ConfigFilename))
	if err != nil {
		log.Fatal(err)
	}

	names := make([]string, 0, len(cfg.Hardware))
	for name, hw := range cfg.Hardware {
		if hw.Kind != "radar_dca" {
			continue
		}
		if *unitName != "" && name != *unitName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		log.Fatalf("no matching radar_dca units in %s", *sessionDir)
	}

	catalog := openCatalog(cfg)
	if catalog != nil {
		defer catalog.Close()
	}

	failed := false
	for _, name := range names {
		if err := validateUnit(catalog, cfg, name); err != nil {
			log.Printf("%s: %v", name, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

// openCatalog returns the dataset catalog, or nil when recording is off or
// the catalog does not exist yet.
func openCatalog(cfg *captureconfig.Config) *capturedb.CaptureDB {
	if *noCatalog {
		return nil
	}
	path := filepath.Join(cfg.DatasetDir, capturedb.Filename)
	if _, err := os.Stat(path); err != nil {
		log.Printf("no catalog at %s, printing only", path)
		return nil
	}
	db, err := capturedb.New(path)
	if err != nil {
		log.Printf("open catalog: %v", err)
		return nil
	}
	return db
}

func validateUnit(catalog *capturedb.CaptureDB, cfg *captureconfig.Config, name string) error {
	hw := cfg.Hardware[name]
	unitDir := filepath.Join(*sessionDir, name)

	geom, err := radar.ParseGeometryFile(filepath.Join(unitDir, radardca.RadarConfigFilename))
	if err != nil {
		return err
	}

	port := hw.DCADataPort
	if port == 0 {
		port = dca1000.DefaultDataPort
	}

	dec := decode.NewDecoder(decode.Options{
		Ports:             []int{port},
		Geometry:          geom,
		LSBQuadrature:     true,
		Preprocess:        true,
		StrictSampleCount: *strict,
	})
	decodeErr := dec.DecodeFile(filepath.Join(unitDir, radardca.DataFilename))

	res := dec.Result(port)
	if res == nil {
		if decodeErr != nil {
			return decodeErr
		}
		return errors.New("no data stream decoded")
	}
	printResult(name, geom, res)

	if catalog != nil {
		if row, err := catalog.SessionRow(cfg.Metadata.UUID); err != nil {
			log.Printf("%s: catalog: %v", name, err)
		} else if err := catalog.RecordDecodeReport(row, name, res); err != nil {
			log.Printf("%s: catalog: %v", name, err)
		}
	}

	if decodeErr != nil {
		return decodeErr
	}
	if !res.Valid() {
		return errors.New("stream invalid")
	}
	return nil
}

func printResult(name string, geom radar.FrameGeometry, res *decode.Result) {
	fmt.Printf("%s port %d: %s\n", name, res.Port, geom)
	fmt.Printf("  packets %d, received %d bytes, device reported %d bytes\n",
		res.Packets, res.ReceivedBytes, res.ReportedBytes)
	fmt.Printf("  samples %d (expected %d)\n", len(res.Samples), res.ExpectedSamples)
	for _, span := range res.Loss {
		fmt.Printf("  loss: %d bytes between seq %d and %d\n",
			span.MissingBytes, span.BeforeSeq, span.AfterSeq)
	}
	if res.Valid() {
		fmt.Println("  ok")
	} else {
		fmt.Printf("  INVALID: %d bytes lost across %d spans\n", res.LostBytes(), len(res.Loss))
	}
}
