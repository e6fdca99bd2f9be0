package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mcastro/chatd/internal/config"
	"github.com/mcastro/chatd/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	dataDirFlag := flag.String("data-dir", "", "data directory (default ~/.chatd)")
	configFlag := flag.String("config", "", "config file path (default <data-dir>/config.toml)")
	flag.Parse()

	dataDir := *dataDirFlag
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	configPath := *configFlag
	if configPath == "" {
		configPath = filepath.Join(dataDir, "config.toml")
	}

	cfg, err := config.Load(configPath, dataDir)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default(dataDir)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config %s: %v\n", configPath, err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{DataDir: dataDir, Config: cfg}),
	)

	app.Run()
}
