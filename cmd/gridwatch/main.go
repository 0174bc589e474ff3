package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/gridwatch/pkg/idgen"
	"github.com/cyclopcam/gridwatch/server"
	"github.com/cyclopcam/gridwatch/server/config"
	"github.com/cyclopcam/gridwatch/server/configdb"
	"github.com/cyclopcam/gridwatch/server/eventdb"
	"github.com/cyclopcam/gridwatch/server/simdetect"
	"github.com/cyclopcam/logs"
)

func main() {
	// This is purely for documentation of the cmd-line args
	nominalDefaultDB := "$HOME/gridwatch/config.sqlite"
	nominalDefaultEvents := "$HOME/gridwatch/events.sqlite"

	parser := argparse.NewParser("gridwatch", "Track objects across a grid of video streams")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file", Default: ""})
	dbFile := parser.String("", "db", &argparse.Options{Help: "Stream configuration database", Default: nominalDefaultDB})
	eventsFile := parser.String("", "events", &argparse.Options{Help: "Crossing event database", Default: nominalDefaultEvents})
	listen := parser.String("", "listen", &argparse.Options{Help: "HTTP listen address, such as ':8000' (overrides config)", Default: ""})
	simulated := parser.Int("", "simulated", &argparse.Options{Help: "Number of simulated streams to create on first run (overrides config)", Default: -1})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *simulated >= 0 {
		cfg.SimulatedStreams = *simulated
	}

	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/var/lib"
	}
	if *dbFile == nominalDefaultDB {
		*dbFile = filepath.Join(home, "gridwatch", "config.sqlite")
	}
	if *eventsFile == nominalDefaultEvents {
		*eventsFile = filepath.Join(home, "gridwatch", "events.sqlite")
	}

	configDB, err := configdb.NewConfigDB(logger, *dbFile)
	if err != nil {
		logger.Errorf("Failed to open config database: %v", err)
		os.Exit(1)
	}
	if seeded, err := configDB.SeedSimulatedStreams(cfg.SimulatedStreams, cfg.GridColumns); err != nil {
		logger.Errorf("Failed to create simulated streams: %v", err)
		os.Exit(1)
	} else if seeded {
		logger.Infof("Created %v simulated streams", cfg.SimulatedStreams)
	}

	eventDB, err := eventdb.NewEventDB(logger, *eventsFile, cfg.EventRetention())
	if err != nil {
		logger.Errorf("Failed to open event database: %v", err)
		os.Exit(1)
	}

	// The detector and the monitor share the track ID generator, so that IDs never collide
	trackIDs := &idgen.Int64{}
	detector := simdetect.New(simdetect.DefaultSettings(), trackIDs)

	srv, err := server.NewServer(logger, cfg, configDB, eventDB, detector, trackIDs)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive.
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(cfg.Listen); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		srv.Shutdown(context.Background())
	}

	err = <-srv.ShutdownComplete
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}
