package validation

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

type Config struct {
	MaxQueryLength      int
	MaxImages           int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware checks chat bodies before they reach the engine. A valid body
// leaves its trimmed query in Locals("sanitized_query").
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if cfg.MaxImages == 0 {
		cfg.MaxImages = 4
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" {
				allowed := false
				for _, allowedType := range cfg.AllowedContentTypes {
					if strings.Contains(contentType, allowedType) {
						allowed = true
						break
					}
				}
				if !allowed {
					return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
						"error": "Unsupported content type",
					})
				}
			}
		}

		if c.Method() != fiber.MethodPost || !strings.HasSuffix(c.Path(), "/chat") {
			return c.Next()
		}

		var req struct {
			Query     string   `json:"query"`
			ImageURLs []string `json:"image_urls"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		query := sanitizeString(req.Query)
		if query == "" && len(req.ImageURLs) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query is required and must be a string",
			})
		}

		if utf8.RuneCountInString(query) > cfg.MaxQueryLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query exceeds maximum length",
			})
		}

		if containsXSS(query) {
			cfg.Logger.Warn("Potential XSS attempt",
				zap.String("ip", c.IP()),
				zap.String("query", query),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid query content",
			})
		}

		if len(req.ImageURLs) > cfg.MaxImages {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Too many images",
			})
		}
		for _, u := range req.ImageURLs {
			if !IsImageURL(u) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid image URL",
				})
			}
		}

		c.Locals("sanitized_query", query)
		return c.Next()
	}
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}

func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if u.Host == "" {
		return false
	}

	return true
}

// IsImageURL reports whether urlStr is an http(s) URL to a png, jpg, jpeg or
// webp file. Query strings are ignored, as Discord CDN links carry them.
func IsImageURL(urlStr string) bool {
	if !isValidURL(urlStr) {
		return false
	}
	u, _ := url.Parse(urlStr)
	return imageExtensions[strings.ToLower(path.Ext(u.Path))]
}
