package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hazyhaar/agri-registry/pkg/dataset"
	"github.com/hazyhaar/agri-registry/pkg/ingest"
	"github.com/hazyhaar/agri-registry/pkg/partition"
)

func cmdImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "path to config file")
	kind := fs.String("kind", "", "dataset kind (market, apy)")
	key := fs.String("key", "", "partition key (e.g. 2025, 2024-2025)")
	file := fs.String("file", "", "CSV, XLS or XLSX file to import")
	declare := fs.Bool("declare", false, "declare the partition first if it does not exist")
	description := fs.String("description", "", "description used with --declare")
	fs.Parse(args)

	if *kind == "" || *key == "" || *file == "" {
		fmt.Println("Datasets:")
		fmt.Println()
		for _, ds := range dataset.All() {
			fmt.Printf("  %-8s  %s  (key %s)\n", ds.Kind(), ds.Description(), ds.KeyPattern())
		}
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  agri-registry import --kind <kind> --key <key> --file <path> [--declare]")
		if *kind != "" || *key != "" || *file != "" {
			os.Exit(2)
		}
		return
	}

	ds, err := dataset.Get(dataset.Kind(*kind))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, logger := loadConfig(*cfgPath)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.close(context.Background())

	if *declare {
		_, err := a.catalog.Declare(ctx, ds, *key, *description)
		switch {
		case err == nil:
			fmt.Printf("[%s %s] partition declared\n", ds.Kind(), *key)
		case errors.Is(err, partition.ErrDuplicatePartition):
		default:
			fail(a, "[%s %s] declare: %v", ds.Kind(), *key, err)
		}
	}

	res, err := a.ingest.ImportFile(ctx, ds, *key, ingest.Upload{Path: *file})
	if err != nil {
		fail(a, "[%s %s] import: %v", ds.Kind(), *key, err)
	}
	out, _ := json.Marshal(res)
	fmt.Printf("[%s %s] OK %s\n", ds.Kind(), *key, out)
}

// fail closes the app before exiting, since os.Exit skips deferred calls.
func fail(a *app, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	a.close(context.Background())
	os.Exit(1)
}
