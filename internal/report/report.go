// Package report serialises crawl results to JSON and CSV.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forager-dev/forager/internal/crawler"
)

// WriteJSON writes results as an indented JSON array.
func WriteJSON(w io.Writer, results []crawler.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	return nil
}

var csvHeader = []string{
	"url", "final_url", "depth", "status_code", "error", "error_kind",
	"cache_hit", "retry_count", "response_time_ms", "fetched_at",
	"title", "description", "keywords", "canonical", "headings", "links",
}

// WriteCSV writes results as CSV. List-valued fields (headings, links) are
// flattened by joining with ";".
func WriteCSV(w io.Writer, results []crawler.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	for _, r := range results {
		row := []string{
			r.URL,
			r.FinalURL,
			strconv.Itoa(r.Depth),
			strconv.Itoa(r.StatusCode),
			r.Error,
			r.ErrorKind,
			strconv.FormatBool(r.CacheHit),
			strconv.Itoa(r.RetryCount),
			strconv.FormatInt(r.ResponseTime.Milliseconds(), 10),
			r.FetchedAt.Format(time.RFC3339),
		}
		if r.Page != nil {
			row = append(row,
				r.Page.Title,
				r.Page.Description,
				r.Page.Keywords,
				r.Page.Canonical,
				strings.Join(r.Page.Headings, ";"),
				strings.Join(r.Page.Links, ";"),
			)
		} else {
			row = append(row, "", "", "", "", "", "")
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing CSV row for %s: %w", r.URL, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteFile writes results to path, choosing the format from the extension
// (.csv for CSV, anything else JSON). An empty path gets a timestamped default
// name in the current directory.
func WriteFile(path string, results []crawler.Result) (string, error) {
	if path == "" {
		path = fmt.Sprintf("crawl-%s.json", time.Now().Format("20060102-150405"))
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating report file: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		err = WriteCSV(f, results)
	} else {
		err = WriteJSON(f, results)
	}
	if err != nil {
		return "", err
	}

	log.Info().Str("path", path).Int("results", len(results)).Msg("Wrote crawl report")
	return path, nil
}
