package query

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/yomibot/backend/internal/llm"
)

// UserMessage renders a Process error as the text shown to the end user.
func UserMessage(err error) string {
	var (
		all *llm.AllModelsUnavailableError
		rl  *llm.RateLimitedError
		su  *llm.ServiceUnavailableError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &all):
		return fmt.Sprintf("Sorry, all AI models are currently rate limited. Please try again in %s.", humanDuration(all.RetryAfter))
	case errors.As(err, &rl):
		return fmt.Sprintf("Sorry, the AI service is currently rate limited. Please try again in %s.", humanDuration(rl.RetryAfter))
	case errors.As(err, &su):
		return fmt.Sprintf("Sorry, the AI service is currently unavailable or overloaded. Please try again in %s.", humanDuration(su.RetryAfter))
	case errors.Is(err, ErrEmptyQuery):
		return "Please include a question, for example `!ask best gear for Vorkath`."
	default:
		return "Sorry, something went wrong while processing your query. Please try again later."
	}
}

func humanDuration(d time.Duration) string {
	switch {
	case d <= time.Minute:
		secs := int(math.Ceil(d.Seconds()))
		if secs <= 1 {
			return "a few seconds"
		}
		return fmt.Sprintf("%d seconds", secs)
	case d < time.Hour:
		return plural(int(math.Ceil(d.Minutes())), "minute")
	default:
		return plural(int(math.Ceil(d.Hours())), "hour")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
