package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/forager-dev/forager/internal/config"
	"github.com/forager-dev/forager/internal/crawler"
	"github.com/forager-dev/forager/internal/report"
)

func newCrawlCmd() *cobra.Command {
	var (
		configPath string
		output     string
		maxDepth   int
		maxPages   int
		workers    int
		noRobots   bool
		noCache    bool
	)

	cmd := &cobra.Command{
		Use:   "crawl [seed URLs...]",
		Short: "Run a crawl from the given seed URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if len(args) > 0 {
				cfg.Seeds = args
			}
			if cmd.Flags().Changed("max-depth") {
				cfg.MaxDepth = maxDepth
			}
			if cmd.Flags().Changed("max-pages") {
				cfg.MaxPages = maxPages
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if noRobots {
				cfg.RespectRobots = false
			}
			if noCache {
				cfg.CacheEnabled = false
			}

			coord, err := crawler.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			start := time.Now()
			results, err := coord.Crawl(ctx)
			if err != nil && len(results) == 0 {
				return err
			}
			if err != nil {
				log.Warn().Err(err).Msg("Crawl interrupted, writing partial results")
			}

			path, werr := report.WriteFile(output, results)
			if werr != nil {
				return werr
			}

			stats := coord.Stats()
			log.Info().
				Str("run_id", stats.RunID).
				Int("pages_crawled", stats.PagesCrawled).
				Int("pages_failed", stats.PagesFailed).
				Int("cache_hits", stats.CacheHits).
				Int("retries", stats.Retries).
				Dur("duration", time.Since(start)).
				Str("report", path).
				Msg("Crawl complete")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVarP(&output, "output", "o", "", "report path (.json or .csv, default timestamped JSON)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 3, "maximum link depth")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "page budget (0 = unlimited)")
	cmd.Flags().IntVar(&workers, "workers", 5, "worker pool size")
	cmd.Flags().BoolVar(&noRobots, "no-robots", false, "ignore robots.txt")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the response cache")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the forager version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("forager %s\n", version)
		},
	}
}
