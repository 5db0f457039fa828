package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"marketing-orchestrator/internal/faults"
)

// tweetLimit is the character budget of a single tweet.
const tweetLimit = 280

// TemplateDrafter turns a brief into post copy without a language model. It
// keeps copy within the tightest platform limit.
type TemplateDrafter struct {
	Hashtags []string
}

// Draft implements Drafter.
func (d TemplateDrafter) Draft(_ context.Context, req DraftRequest) (Draft, error) {
	brief := strings.TrimSpace(req.Brief)
	if brief == "" {
		return Draft{}, faults.Invalid("brief", "is required")
	}

	content := brief
	if len(d.Hashtags) > 0 {
		content += "\n\n" + strings.Join(d.Hashtags, " ")
	}
	for _, p := range req.Platforms {
		if p == "twitter" {
			content = Truncate(content, tweetLimit)
			break
		}
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "post"
	}
	return Draft{
		Title:       fmt.Sprintf("New %s for %s", contentType, strings.Join(req.Platforms, ", ")),
		Content:     content,
		ImagePrompt: Truncate(brief, 200),
	}, nil
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// Unavailable stands in for a collaborator that is not configured in this
// deployment. Every call fails permanently so jobs do not burn retries.
type Unavailable struct {
	Name string
}

func (u Unavailable) err() error {
	return faults.Permanent(errors.New(u.Name + " is not configured"))
}

// Generate implements ImageGenerator.
func (u Unavailable) Generate(context.Context, string) (string, error) { return "", u.err() }

// Research implements Researcher.
func (u Unavailable) Research(context.Context, ResearchRequest) (Report, error) {
	return Report{}, u.err()
}

// DailyReport implements Listener.
func (u Unavailable) DailyReport(context.Context, time.Time) (Report, error) {
	return Report{}, u.err()
}
