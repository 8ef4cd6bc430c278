package identify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yomibot/backend/internal/llm"
	"github.com/yomibot/backend/pkg/logger"
)

const maxImageBytes = 8 << 20

const imagePrompt = "Name the OSRS items, NPCs, or locations you see in these images. Use exact wiki page " +
	"names with underscores.\n\nRespond ONLY with comma-separated wiki page names, no explanations.\n" +
	"Example: Dragon_scimitar,Abyssal_whip,Lumbridge_Castle"

var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/gif":  true,
}

// ImageFetcher downloads attachments over a bounded http.Client.
type ImageFetcher struct {
	http *http.Client
}

func NewImageFetcher(httpClient *http.Client) *ImageFetcher {
	return &ImageFetcher{http: httpClient}
}

// Load downloads every URL concurrently. Failed or non-image downloads are
// skipped; the order of the rest is kept.
func (f *ImageFetcher) Load(ctx context.Context, urls []string) []llm.Image {
	images := make([]*llm.Image, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			img, err := f.fetch(gctx, u)
			if err != nil {
				logger.Warn("Failed to download image", zap.String("url", u), zap.Error(err))
				return nil
			}
			images[i] = img
			return nil
		})
	}
	_ = g.Wait()

	out := make([]llm.Image, 0, len(urls))
	for _, img := range images {
		if img != nil {
			out = append(out, *img)
		}
	}
	return out
}

func (f *ImageFetcher) fetch(ctx context.Context, url string) (*llm.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}

	mime := http.DetectContentType(data)
	if !imageTypes[mime] {
		return nil, fmt.Errorf("unsupported image type %s", mime)
	}
	return &llm.Image{Data: data, MIMEType: mime}, nil
}

// ImageEntities names the wiki pages visible in the attached images. Only
// gateway exhaustion is returned as an error.
func (id *Identifier) ImageEntities(ctx context.Context, urls []string) ([]string, error) {
	images := id.images.Load(ctx, urls)
	if len(images) == 0 {
		return nil, nil
	}

	text, err := id.gen.GenerateWithImages(ctx, imagePrompt, images)
	if err != nil {
		if llm.IsExhausted(err) {
			return nil, err
		}
		id.log.Warn("Image identification failed", zap.Error(err))
		return nil, nil
	}

	entities := ParseEntities(text)
	id.log.Info("Images identified", zap.Int("images", len(images)), zap.Strings("entities", entities))
	return entities, nil
}

// ParseEntities splits a comma separated model answer into valid page names.
func ParseEntities(text string) []string {
	text = strings.Trim(strings.TrimSpace(text), "\"`")
	var out []string
	for _, part := range strings.Split(text, ",") {
		name := pageTitle(part)
		if name == "" || containsFold(out, name) {
			continue
		}
		out = append(out, name)
		if len(out) == MaxPages {
			break
		}
	}
	return out
}
