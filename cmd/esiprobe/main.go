// Command esiprobe is a small CLI exercising the ESI client core end to
// end: fetch a single endpoint, or page through a multi-page one,
// printing the decoded body to stdout (one JSON item per line when
// paginated) and metadata and the pagination progress trace to stderr.
// Grounded on the teacher's CLI (main.go / cli/cmd/ariadne/main.go):
// flag-based configuration and signal-driven graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	esiclient "github.com/99souls/esiclient"
	"github.com/99souls/esiclient/config"
)

func main() {
	var (
		endpoint    string
		baseURL     string
		characterID int64
		paginated   bool
		stateDir    string
		configPath  string
		timeout     time.Duration
		showVersion bool
	)

	flag.StringVar(&endpoint, "endpoint", "/status.json", "ESI endpoint path to fetch")
	flag.StringVar(&baseURL, "base-url", "https://esi.evetech.net/latest", "ESI base URL")
	flag.Int64Var(&characterID, "character-id", 0, "Character ID for authenticated/scoped calls (0 = public)")
	flag.BoolVar(&paginated, "paginated", false, "Treat endpoint as a multi-page collection")
	flag.StringVar(&stateDir, "state-dir", "", "Directory for persisted cache/rate-limit state (empty = disabled)")
	flag.StringVar(&configPath, "config", "", "Path to a hot-reloadable config overlay (empty = disabled)")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Overall call timeout")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Println("esiprobe (esiclient CLI) - experimental")
		return
	}

	cfg := config.Defaults()
	cfg.BaseURL = baseURL
	cfg.StateDir = stateDir

	client, err := esiclient.New(cfg, esiclient.WithConfigOverlayPath(configPath))
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	defer func() {
		client.SaveImmediately()
		_ = client.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; cancelling in-flight call")
		cancel()
	}()

	var opt esiclient.Options
	if characterID != 0 {
		opt.CharacterID = &characterID
	}

	if paginated {
		items, meta, err := esiclient.FetchPaginatedWithProgress[json.RawMessage](ctx, client, endpoint, opt, func(p esiclient.Progress) {
			fmt.Fprintf(os.Stderr, "page %d/%d complete\n", p.CompletedCount, p.TotalPages)
		})
		if err != nil {
			log.Fatalf("fetch paginated: %v", err)
		}
		expiry := "unknown"
		if meta.ExpiresAt != nil {
			expiry = time.UnixMilli(*meta.ExpiresAt).Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stderr, "fetched %d items, cache expires at %s\n", len(items), expiry)
		enc := json.NewEncoder(os.Stdout)
		for _, item := range items {
			_ = enc.Encode(item)
		}
		return
	}

	data, meta, err := esiclient.FetchWithMeta[json.RawMessage](ctx, client, endpoint, opt)
	if err != nil {
		log.Fatalf("fetch: %v", err)
	}
	fmt.Fprintf(os.Stderr, "etag=%s notModified=%v\n", meta.ETag, meta.NotModified)
	fmt.Println(string(data))
}
