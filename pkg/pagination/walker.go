package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config holds walker configuration
type Config struct {
	// PageSize is the "n" query parameter (items per page)
	PageSize int
	// Concurrency is the number of pages requested per wave.
	// Every page still goes through the executor's rate limiter.
	Concurrency int
	// MaxItems stops the walk once this many items were collected (0 = no limit)
	MaxItems int
	// Timeout per page fetch
	Timeout time.Duration
}

// DefaultConfig returns the page size the API accepts and a small wave
func DefaultConfig() Config {
	return Config{
		PageSize:    100,
		Concurrency: 3,
		Timeout:     30 * time.Second,
	}
}

// PageFunc fetches the page of at most n items starting at offset
type PageFunc[T any] func(ctx context.Context, n, offset int) ([]T, error)

// Walker collects every item of an offset-paginated endpoint
type Walker[T any] struct {
	fetch  PageFunc[T]
	config Config
}

// NewWalker creates a new walker
func NewWalker[T any](fetch PageFunc[T], config Config) *Walker[T] {
	if config.PageSize <= 0 {
		config.PageSize = 100
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Walker[T]{
		fetch:  fetch,
		config: config,
	}
}

// All fetches pages in waves until a page comes back short (fewer than
// PageSize items) or MaxItems is reached. Items are returned in offset order.
//
// On error the items of all completed waves are returned with the error.
func (w *Walker[T]) All(ctx context.Context) ([]T, error) {
	start := time.Now()
	n := w.config.PageSize
	var items []T

	for offset := 0; ; offset += n * w.config.Concurrency {
		pages, err := w.wave(ctx, offset)
		if err != nil {
			log.Warn().
				Err(err).
				Int("offset", offset).
				Int("items", len(items)).
				Msg("Page walk failed - returning partial results")
			return items, fmt.Errorf("walk at offset %d (partial data: %d items): %w", offset, len(items), err)
		}

		for _, page := range pages {
			items = append(items, page...)

			if w.config.MaxItems > 0 && len(items) >= w.config.MaxItems {
				items = items[:w.config.MaxItems]
				log.Debug().Int("items", len(items)).Msg("Page walk stopped at item limit")
				return items, nil
			}
			if len(page) < n {
				log.Debug().
					Int("items", len(items)).
					Dur("duration", time.Since(start)).
					Msg("Page walk complete")
				return items, nil
			}
		}

		log.Debug().
			Int("fetched", len(items)).
			Int("next_offset", offset+n*w.config.Concurrency).
			Msg("Page walk progress")
	}
}

// wave fetches Concurrency consecutive pages starting at offset
func (w *Walker[T]) wave(ctx context.Context, offset int) ([][]T, error) {
	n := w.config.PageSize
	pages := make([][]T, w.config.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := range pages {
		i := i
		pageOffset := offset + i*n
		g.Go(func() error {
			pageCtx, cancel := context.WithTimeout(gctx, w.config.Timeout)
			defer cancel()

			page, err := w.fetch(pageCtx, n, pageOffset)
			if err != nil {
				return fmt.Errorf("page at offset %d: %w", pageOffset, err)
			}
			pages[i] = page
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}
