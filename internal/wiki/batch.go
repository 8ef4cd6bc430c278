package wiki

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yomibot/backend/pkg/logger"
)

// PageSeparator divides page blocks in batch content.
var PageSeparator = "\n\n" + strings.Repeat("=", 50) + " NEW WIKI PAGE " + strings.Repeat("=", 50) + "\n\n"

const (
	notFoundText = "Page not found - This item/content may be unreleased or not exist in OSRS yet."
	blockedText  = "Page temporarily blocked by the wiki's anti-bot protection - try again later."
)

type BatchResult struct {
	Content string
	// Pages holds successfully extracted pages in request order.
	Pages []*Page
	// Redirects maps requested names to final names.
	Redirects map[string]string
	// Rejected lists final names of stub pages; they add no content.
	Rejected []string
	// Failed maps requested names to their error.
	Failed map[string]error
}

// FetchBatch fetches names concurrently. Each page succeeds or fails on its
// own; failures become inline error blocks in Content.
func (c *Client) FetchBatch(ctx context.Context, names []string) *BatchResult {
	seen := make(map[string]bool, len(names))
	var unique []string
	for _, n := range names {
		n = NormalizeName(n)
		if n != "" && !seen[n] {
			seen[n] = true
			unique = append(unique, n)
		}
	}

	type outcome struct {
		page *Page
		err  error
	}
	outcomes := make([]outcome, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, name := range unique {
		g.Go(func() error {
			page, err := c.Fetch(gctx, name)
			outcomes[i] = outcome{page, err}
			return nil
		})
	}
	_ = g.Wait()

	res := &BatchResult{
		Redirects: map[string]string{},
		Failed:    map[string]error{},
	}
	var blocks []string
	fetched := make(map[string]bool, len(unique))

	for i, name := range unique {
		o := outcomes[i]
		if o.page != nil && o.page.Redirected() {
			res.Redirects[name] = o.page.Name
		}

		switch {
		case o.err == nil && fetched[o.page.Name]:
			// Another requested name redirected to the same page.
		case o.err == nil:
			fetched[o.page.Name] = true
			res.Pages = append(res.Pages, o.page)
			blocks = append(blocks, fmt.Sprintf("[SOURCE: %s]\n\n%s", o.page.Name, o.page.Content))
		case errors.Is(o.err, ErrPageRejected):
			res.Rejected = append(res.Rejected, o.page.Name)
		case errors.Is(o.err, ErrPageNotFound):
			res.Failed[name] = o.err
			blocks = append(blocks, fmt.Sprintf("[SOURCE: %s]\n\n%s", name, notFoundText))
		case errors.Is(o.err, ErrPageBlocked):
			res.Failed[name] = o.err
			blocks = append(blocks, fmt.Sprintf("[SOURCE: %s]\n\n%s", name, blockedText))
		default:
			res.Failed[name] = o.err
			blocks = append(blocks, fmt.Sprintf("[SOURCE: %s]\n\nFailed to download page: %s (%v)", name, c.PageURL(name), o.err))
		}
	}

	res.Content = strings.Join(blocks, PageSeparator)

	logger.Info("Wiki batch fetched",
		zap.Int("requested", len(unique)),
		zap.Int("pages", len(res.Pages)),
		zap.Int("redirects", len(res.Redirects)),
		zap.Int("rejected", len(res.Rejected)),
		zap.Int("failed", len(res.Failed)),
	)
	return res
}
