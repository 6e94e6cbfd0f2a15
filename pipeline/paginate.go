package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/99souls/esiclient/esierr"
)

// Progress reports pagination advancement to an optional caller callback.
type Progress struct {
	CompletedCount int
	TotalPages     int
}

// PageResult is a single fetched page, decoded as raw JSON array elements.
type PageResult struct {
	Page int
	Data []json.RawMessage
	Meta Meta
}

// PaginatedResult aggregates every page of a multi-page endpoint.
type PaginatedResult struct {
	Data []json.RawMessage
	Meta Meta
}

func withPage(endpoint string, page int) string {
	sep := "?"
	if u, err := url.Parse(endpoint); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage=%d", endpoint, sep, page)
}

func decodeArray(data []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, esierr.Wrap(esierr.KindProtocol, 0, "paginated response was not a JSON array", err)
	}
	return items, nil
}

// fetchFirstPage fetches page 1 and extracts the declared page count.
func (p *Pipeline) fetchFirstPage(ctx context.Context, endpoint string, opts Options) (*PageResult, int, error) {
	first := p.Execute(ctx, withPage(endpoint, 1), opts)
	if !first.Success {
		return nil, 0, first.Err
	}
	items, err := decodeArray(first.Data)
	if err != nil {
		return nil, 0, err
	}
	totalPages := 1
	if first.Meta.XPages != nil && *first.Meta.XPages > 0 {
		totalPages = *first.Meta.XPages
	}
	return &PageResult{Page: 1, Data: items, Meta: first.Meta}, totalPages, nil
}

// aggregate concatenates every page's items in page order and carries
// forward the last page that reported a cache expiry. It fails with
// esierr.KindPaginationMeta if no page ever reported one.
func aggregate(pages []*PageResult) (*PaginatedResult, error) {
	sort.Slice(pages, func(i, j int) bool { return pages[i].Page < pages[j].Page })

	var all []json.RawMessage
	var lastMeta Meta
	var sawExpiry bool
	for _, pg := range pages {
		all = append(all, pg.Data...)
		if pg.Meta.ExpiresAt != nil {
			lastMeta = pg.Meta
			sawExpiry = true
		}
	}
	if !sawExpiry {
		return nil, esierr.New(esierr.KindPaginationMeta, 0, "no page reported an expiry for pagination metadata")
	}
	return &PaginatedResult{Data: all, Meta: lastMeta}, nil
}

// FetchPaginated fetches every page of endpoint strictly in order: page
// N+1 is only issued after page N succeeds, stopping immediately on the
// first page failure. Per the spec's ordering guarantees this is the
// sequential sibling of FetchPaginatedWithProgress, which fans pages out
// concurrently.
func (p *Pipeline) FetchPaginated(ctx context.Context, endpoint string, opts Options) (*PaginatedResult, error) {
	first, totalPages, err := p.fetchFirstPage(ctx, endpoint, opts)
	if err != nil {
		return nil, err
	}

	pages := []*PageResult{first}
	for page := 2; page <= totalPages; page++ {
		res := p.Execute(ctx, withPage(endpoint, page), opts)
		if !res.Success {
			return nil, res.Err
		}
		items, err := decodeArray(res.Data)
		if err != nil {
			return nil, err
		}
		pages = append(pages, &PageResult{Page: page, Data: items, Meta: res.Meta})
	}

	return aggregate(pages)
}

// FetchPaginatedWithProgress fetches page 1 serially to learn the page
// count (X-Pages), then fans out pages 2..N bounded by
// cfg.MaxConcurrentPages (unordered, per the spec's concurrency
// guarantees for this call specifically), invoking onProgress after each
// page completes. The final meta carries the last page's cache metadata;
// if no page ever reported an expiry, the call fails with
// esierr.KindPaginationMeta.
func (p *Pipeline) FetchPaginatedWithProgress(ctx context.Context, endpoint string, opts Options, onProgress func(Progress)) (*PaginatedResult, error) {
	first, totalPages, err := p.fetchFirstPage(ctx, endpoint, opts)
	if err != nil {
		return nil, err
	}

	pages := []*PageResult{first}
	completed := 1
	if onProgress != nil {
		onProgress(Progress{CompletedCount: completed, TotalPages: totalPages})
	}

	if totalPages > 1 {
		maxConcurrent := p.currentConfig().MaxConcurrentPages
		if maxConcurrent <= 0 {
			maxConcurrent = 1
		}
		sem := semaphore.NewWeighted(int64(maxConcurrent))
		g, gctx := errgroup.WithContext(ctx)
		results := make([]*PageResult, totalPages+1)
		results[1] = pages[0]

		var mu sync.Mutex
		for page := 2; page <= totalPages; page++ {
			page := page
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil, err
			}
			g.Go(func() error {
				defer sem.Release(1)
				res := p.Execute(gctx, withPage(endpoint, page), opts)
				if !res.Success {
					return res.Err
				}
				items, err := decodeArray(res.Data)
				if err != nil {
					return err
				}
				mu.Lock()
				results[page] = &PageResult{Page: page, Data: items, Meta: res.Meta}
				completed++
				if onProgress != nil {
					onProgress(Progress{CompletedCount: completed, TotalPages: totalPages})
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		pages = pages[:0]
		for page := 1; page <= totalPages; page++ {
			pages = append(pages, results[page])
		}
	}

	return aggregate(pages)
}
