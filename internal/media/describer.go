package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/boomlive/replybot/internal/models"
	"go.uber.org/zap"
)

// Describer turns a tweet's media attachments into text. An empty result
// means no media could be described; it is never an error condition for the
// caller.
type Describer interface {
	Describe(ctx context.Context, refs []models.MediaRef) string
}

// HTTPDescriber sends each media URL to an external description API and
// joins the per-item results.
type HTTPDescriber struct {
	apiURL string
	httpc  *http.Client
	logger *zap.Logger
}

func NewHTTPDescriber(apiURL string, timeout time.Duration, logger *zap.Logger) *HTTPDescriber {
	return &HTTPDescriber{
		apiURL: apiURL,
		httpc:  &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Describe processes each ref independently; a failing item is logged and
// skipped so it never aborts description of the others. Successful
// descriptions are joined with " | ".
func (d *HTTPDescriber) Describe(ctx context.Context, refs []models.MediaRef) string {
	if d.apiURL == "" || len(refs) == 0 {
		return ""
	}

	var descriptions []string
	for _, ref := range refs {
		mediaURL := BestURL(ref)
		if mediaURL == "" {
			d.logger.Warn("No URL found for media", zap.String("media_key", ref.Key))
			continue
		}

		desc, err := d.describeOne(ctx, mediaURL)
		if err != nil {
			d.logger.Error("Failed to describe media",
				zap.Error(err),
				zap.String("media_key", ref.Key),
				zap.String("type", string(ref.Kind)))
			continue
		}
		if desc != "" {
			descriptions = append(descriptions, desc)
		}
	}

	return strings.Join(descriptions, " | ")
}

// BestURL selects the download URL for a media ref: the direct URL for
// photos, the highest-bit-rate mp4 variant for videos and GIFs, or the first
// variant when no mp4 exists.
func BestURL(ref models.MediaRef) string {
	switch ref.Kind {
	case models.MediaPhoto:
		return ref.URL
	case models.MediaVideo, models.MediaAnimatedGIF:
		if len(ref.Variants) == 0 {
			return ""
		}
		var best *models.MediaVariant
		for i := range ref.Variants {
			v := &ref.Variants[i]
			if v.ContentType != "video/mp4" {
				continue
			}
			if best == nil || v.BitRate > best.BitRate {
				best = v
			}
		}
		if best != nil {
			return best.URL
		}
		return ref.Variants[0].URL
	}
	return ""
}

type describeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		MediaResults []struct {
			Text        string `json:"text"`
			Summary     string `json:"summary"`
			Description string `json:"description"`
		} `json:"media_results"`
	} `json:"data"`
}

func (d *HTTPDescriber) describeOne(ctx context.Context, mediaURL string) (string, error) {
	params := url.Values{}
	params.Set("url", mediaURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("building media request: %w", err)
	}

	resp, err := d.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("media API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading media response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media API returned status %d", resp.StatusCode)
	}

	var parsed describeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parsing media response: %w", err)
	}
	if !parsed.Success {
		return "", fmt.Errorf("media API error: %s", parsed.Error)
	}

	var parts []string
	for _, result := range parsed.Data.MediaResults {
		text := result.Text
		if text == "" {
			text = result.Summary
		}
		if text == "" {
			text = result.Description
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " | "), nil
}
