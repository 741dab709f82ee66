package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"propradar/config"
	"propradar/models"
)

// Adapter fetches one portal's paginated listing feed. Implementations
// only fetch and split; all interpretation of the fields happens in
// normalization.
type Adapter interface {
	Source() models.Source
	// FetchPage returns the raw items on the given 1-based page and
	// whether more pages follow.
	FetchPage(ctx context.Context, client *http.Client, page int) ([]models.RawItem, bool, error)
}

// feedAdapter reads the JSON feed every supported portal exposes. The
// portals differ only in base URL and field naming, and field naming is
// the normalizer's problem.
type feedAdapter struct {
	source models.Source
	cfg    *config.SourceConfig
}

func NewFeedAdapter(source models.Source, cfg *config.SourceConfig) Adapter {
	return &feedAdapter{source: source, cfg: cfg}
}

func (a *feedAdapter) Source() models.Source {
	return a.source
}

type feedPage struct {
	Items []struct {
		ID     string          `json:"id"`
		URL    string          `json:"url"`
		Fields json.RawMessage `json:"fields"`
	} `json:"items"`
	HasMore bool `json:"has_more"`
}

func (a *feedAdapter) FetchPage(ctx context.Context, client *http.Client, page int) ([]models.RawItem, bool, error) {
	url := fmt.Sprintf("%s?page=%d", a.cfg.BaseURL, page)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	resp, err := client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("%s page %d: status %d", a.source, page, resp.StatusCode)
	}

	var parsed feedPage
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, fmt.Errorf("%s page %d: decode: %w", a.source, page, err)
	}

	items := make([]models.RawItem, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		items = append(items, models.RawItem{
			Source:     a.source,
			ExternalID: it.ID,
			URL:        it.URL,
			Fields:     it.Fields,
		})
	}
	return items, parsed.HasMore, nil
}
