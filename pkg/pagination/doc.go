// Package pagination walks offset-paginated endpoints.
//
// The provider pages lists with "n" (page size, at most 100) and "offset"
// query parameters and signals the last page by returning fewer than n
// items. There is no total count, so the walker requests pages in small
// waves and stops at the first short page.
//
// Example usage:
//
//	walker := pagination.NewWalker(func(ctx context.Context, n, offset int) ([]vrc.Member, error) {
//		return api.GetMembers(ctx, groupID, n, offset)
//	}, pagination.DefaultConfig())
//	members, err := walker.All(ctx)
//
// The walker:
//   - Fetches Concurrency pages per wave with errgroup
//   - Appends pages in offset order
//   - Stops at the first short page or at MaxItems
//   - Returns the items of completed waves together with an error
//
// Each page is an ordinary cached read, so every request is deduplicated,
// throttled and retried by the executor.
package pagination
