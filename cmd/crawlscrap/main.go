package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/crawler"
	"github.com/VamsiGaletiInfinize/crawlscrap/pkg/types"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to crawler configuration file")
	seed := flag.String("seed", "", "Seed URL to crawl (required)")
	depth := flag.Int("depth", 2, "Crawl depth from the seed (0-10, engine clamps to 5)")
	subpages := flag.Bool("subpages", true, "Follow links beyond the seed page")
	mode := flag.String("mode", string(types.ModeCrawlAndScrape), "Operation mode: CRAWL_ONLY, SCRAPE_ONLY, CRAWL_AND_SCRAPE")
	format := flag.String("format", "", "Output format override: jsonl, json, csv")
	processID := flag.String("process-id", "", "Identifier for this run (defaults to a timestamped id)")
	flag.Parse()

	if *seed == "" {
		fmt.Fprintln(os.Stderr, "missing required -seed flag")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	engine, err := crawler.NewEngine(*cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stats, err := engine.Run(ctx, crawler.Request{
		SeedURL:         *seed,
		IncludeSubpages: *subpages,
		Depth:           *depth,
		Mode:            types.OperationMode(*mode),
		OutputFormat:    *format,
		ProcessID:       *processID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "crawl stopped with error: %v\n", err)
		os.Exit(1)
	}

	report, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(report))
}

// loadConfig falls back to defaults (plus environment overrides) when the
// config file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	return config.Load(path)
}
