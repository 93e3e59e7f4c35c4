// mmwavecap runs one capture session over the hardware described by a rig
// configuration file: each radar is configured over its UARTs, each DCA1000
// over UDP, and the raw data streams are recorded into a numbered session
// directory under the dataset root. Every session is also catalogued in the
// dataset's sqlite database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/mmwave-data/mmwavecap/internal/capture"
	"github.com/mmwave-data/mmwavecap/internal/capture/radardca"
	"github.com/mmwave-data/mmwavecap/internal/captureconfig"
	"github.com/mmwave-data/mmwavecap/internal/capturedb"
	"github.com/mmwave-data/mmwavecap/internal/dca1000"
	"github.com/mmwave-data/mmwavecap/internal/radar"
	"github.com/mmwave-data/mmwavecap/internal/version"
)

var (
	configPath   = flag.String("config", "capture.toml", "Capture rig configuration file")
	listSessions = flag.Bool("sessions", false, "List catalogued sessions and exit")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mmwavecap %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg, err := captureconfig.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(cfg.DatasetDir, 0o755); err != nil {
		log.Fatal(err)
	}

	db, err := capturedb.New(filepath.Join(cfg.DatasetDir, capturedb.Filename))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if *listSessions {
		printSessions(db)
		return
	}

	manager := capture.NewManager(cfg, nil)
	units, err := buildUnits(cfg)
	if err != nil {
		log.Fatal(err)
	}
	for _, u := range units {
		manager.Register(u)
	}
	defer func() {
		for _, u := range units {
			if err := u.Close(); err != nil {
				log.Printf("close %s: %v", u.Name(), err)
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.InitHardware(ctx); err != nil {
		log.Fatalf("hardware init failed: %v", err)
	}

	res, captureErr := manager.Capture(ctx)
	if res == nil {
		log.Fatalf("capture failed: %v", captureErr)
	}

	if _, err := db.RecordSession(res, res.UUID, cfg.Metadata.Title); err != nil {
		log.Printf("catalog: %v", err)
	}

	if captureErr != nil {
		log.Printf("capture %05d finished with failures: %v", res.SessionID, captureErr)
		os.Exit(1)
	}
	log.Printf("capture %05d complete: %s", res.SessionID, res.SessionDir)
}

// buildUnits turns the hardware blocks of the rig config into capture units,
// in name order so sessions are reproducible.
func buildUnits(cfg *captureconfig.Config) ([]*radardca.Unit, error) {
	names := make([]string, 0, len(cfg.Hardware))
	for name := range cfg.Hardware {
		names = append(names, name)
	}
	sort.Strings(names)

	var units []*radardca.Unit
	for _, name := range names {
		hw := cfg.Hardware[name]
		switch hw.Kind {
		case "radar_dca":
			units = append(units, newRadarDCAUnit(name, hw))
		default:
			return nil, fmt.Errorf("hardware.%s: unknown kind %q", name, hw.Kind)
		}
	}
	return units, nil
}

func newRadarDCAUnit(name string, hw captureconfig.Hardware) *radardca.Unit {
	dcaCfg := dca1000.DefaultConfig()
	if hw.DCAIP != "" {
		dcaCfg.CardIP = hw.DCAIP
	}
	if hw.HostIP != "" {
		dcaCfg.HostIP = hw.HostIP
	}
	if hw.DCAConfigPort != 0 {
		dcaCfg.ConfigPort = hw.DCAConfigPort
	}
	if hw.DCADataPort != 0 {
		dcaCfg.DataPort = hw.DCADataPort
	}

	return radardca.NewUnit(radardca.Options{
		Name:        name,
		Interface:   hw.Interface,
		RadarConfig: hw.RadarConfig,
		Radar: radar.NewClient(radar.Options{
			ConfigPort:    hw.RadarConfigPort,
			DataPort:      hw.RadarDataPort,
			CaptureFrames: hw.CaptureFrames,
		}),
		Card: dca1000.NewClient(dcaCfg, dca1000.Options{}),
	})
}

func printSessions(db *capturedb.CaptureDB) {
	sessions, err := db.Sessions()
	if err != nil {
		log.Fatal(err)
	}
	for _, s := range sessions {
		state := "ok"
		if !s.OK {
			state = fmt.Sprintf("%d failures", s.Failures)
		}
		fmt.Printf("%05d  %-36s  %-8s  %s\n", s.SessionID, s.UUID, state, s.Dir)
	}
}
