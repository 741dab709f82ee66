package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"propradar/config"
	"propradar/models"
)

// QualityStore is the persistence surface of the scorer.
type QualityStore interface {
	ListingsInWindow(ctx context.Context, source models.Source, from, to time.Time) ([]models.Listing, error)
	LinksDetectedInWindow(ctx context.Context, from, to time.Time) ([]models.DuplicateLink, error)
	GetListing(ctx context.Context, listingID string) (*models.Listing, error)
	InsertQualityMetric(ctx context.Context, m *models.QualityMetric) error
}

// QualityScorer computes per-source data quality metrics over a sliding
// window and appends them as point-in-time rows.
type QualityScorer struct {
	store QualityStore
	cfg   config.QualityConfig
}

func NewQualityScorer(store QualityStore, cfg config.QualityConfig) *QualityScorer {
	return &QualityScorer{store: store, cfg: cfg}
}

// canonical fields counted for completeness. Coordinates are one field:
// lat without lng is rejected at normalization, so they move together.
var completenessFields = []string{
	"title", "price", "area", "location", "coordinates", "image_urls", "posted_date",
}

// ComputeAll scores every source over the window ending at windowEnd.
func (q *QualityScorer) ComputeAll(ctx context.Context, windowEnd time.Time) error {
	for _, src := range models.AllSources {
		if err := q.ComputeMetrics(ctx, src, windowEnd); err != nil {
			return fmt.Errorf("quality for %s: %w", src, err)
		}
	}
	return nil
}

// ComputeMetrics scores one source. Metrics with no data in the window
// are skipped rather than recorded as zero, so gaps in scraping do not
// read as quality collapses.
func (q *QualityScorer) ComputeMetrics(ctx context.Context, source models.Source, windowEnd time.Time) error {
	from := windowEnd.Add(-q.cfg.Window)

	listings, err := q.store.ListingsInWindow(ctx, source, from, windowEnd)
	if err != nil {
		return fmt.Errorf("listings in window: %w", err)
	}
	if len(listings) == 0 {
		log.Printf("Quality: no %s listings scraped in window ending %s, skipping", source, windowEnd.Format(time.RFC3339))
		return nil
	}

	if err := q.completeness(ctx, source, listings, windowEnd); err != nil {
		return err
	}
	if err := q.accuracy(ctx, source, from, windowEnd); err != nil {
		return err
	}
	if err := q.consistency(ctx, source, listings, windowEnd); err != nil {
		return err
	}
	if err := q.timeliness(ctx, source, listings, windowEnd); err != nil {
		return err
	}
	return nil
}

// completeness is the mean share of canonical fields populated per
// listing, as a percentage.
func (q *QualityScorer) completeness(ctx context.Context, source models.Source, listings []models.Listing, at time.Time) error {
	var total float64
	missing := make(map[string]int)

	for i := range listings {
		populated := 0
		for _, field := range completenessFields {
			if fieldPopulated(&listings[i], field) {
				populated++
			} else {
				missing[field]++
			}
		}
		total += float64(populated) / float64(len(completenessFields))
	}

	value := total / float64(len(listings)) * 100
	details, _ := json.Marshal(map[string]interface{}{
		"listings":      len(listings),
		"missing_count": missing,
	})
	return q.record(ctx, models.MetricCompleteness, source, value, at, details)
}

// accuracy is cross-source agreement: for each duplicate link touching
// this source, the share of comparable fields (present on both sides)
// that the detector marked as matching. Emitted only when at least one
// link exists; a source nobody corroborates has no accuracy signal.
func (q *QualityScorer) accuracy(ctx context.Context, source models.Source, from, to time.Time) error {
	links, err := q.store.LinksDetectedInWindow(ctx, from, to)
	if err != nil {
		return fmt.Errorf("links in window: %w", err)
	}

	var agree, comparable float64
	pairs := 0

	for i := range links {
		link := &links[i]
		original, err := q.store.GetListing(ctx, link.OriginalID)
		if err != nil {
			return err
		}
		duplicate, err := q.store.GetListing(ctx, link.DuplicateID)
		if err != nil {
			return err
		}
		if original == nil || duplicate == nil {
			continue
		}
		if original.Source != source && duplicate.Source != source {
			continue
		}

		n := comparableFieldCount(original, duplicate)
		if n == 0 {
			continue
		}
		comparable += float64(n)
		agree += float64(len(link.MatchingFields))
		pairs++
	}

	if pairs == 0 {
		return nil
	}

	value := agree / comparable * 100
	if value > 100 {
		value = 100
	}
	details, _ := json.Marshal(map[string]interface{}{"pairs": pairs})
	return q.record(ctx, models.MetricAccuracy, source, value, to, details)
}

// consistency is the share of listings passing the coherence rules:
// coordinates in valid range, price positive when present, posted date
// not after scrape time.
func (q *QualityScorer) consistency(ctx context.Context, source models.Source, listings []models.Listing, at time.Time) error {
	passing := 0
	violations := make(map[string]int)

	for i := range listings {
		l := &listings[i]
		ok := true
		if l.HasCoordinates() && (*l.Lat < -90 || *l.Lat > 90 || *l.Lng < -180 || *l.Lng > 180) {
			violations["coordinates_out_of_range"]++
			ok = false
		}
		if l.Price != nil && *l.Price <= 0 {
			violations["price_not_positive"]++
			ok = false
		}
		if l.PostedDate != nil && l.PostedDate.After(l.ScrapedAt) {
			violations["posted_after_scraped"]++
			ok = false
		}
		if ok {
			passing++
		}
	}

	value := float64(passing) / float64(len(listings)) * 100
	details, _ := json.Marshal(map[string]interface{}{
		"listings":   len(listings),
		"violations": violations,
	})
	return q.record(ctx, models.MetricConsistency, source, value, at, details)
}

// timeliness is the share of listings scraped within the staleness bound
// of their posting. Listings without a posted date carry no signal and
// are excluded.
func (q *QualityScorer) timeliness(ctx context.Context, source models.Source, listings []models.Listing, at time.Time) error {
	fresh, dated := 0, 0
	for i := range listings {
		l := &listings[i]
		if l.PostedDate == nil {
			continue
		}
		dated++
		if l.ScrapedAt.Sub(*l.PostedDate) <= q.cfg.StalenessBound {
			fresh++
		}
	}
	if dated == 0 {
		return nil
	}

	value := float64(fresh) / float64(dated) * 100
	details, _ := json.Marshal(map[string]interface{}{
		"dated":    dated,
		"excluded": len(listings) - dated,
	})
	return q.record(ctx, models.MetricTimeliness, source, value, at, details)
}

func (q *QualityScorer) record(ctx context.Context, name models.MetricName, source models.Source, value float64, at time.Time, details json.RawMessage) error {
	m := &models.QualityMetric{
		MetricName:   name,
		Source:       source,
		Value:        value,
		CalculatedAt: at,
		Details:      details,
	}
	if err := q.store.InsertQualityMetric(ctx, m); err != nil {
		return fmt.Errorf("insert %s metric: %w", name, err)
	}
	return nil
}

func fieldPopulated(l *models.Listing, field string) bool {
	switch field {
	case "title":
		return l.Title != ""
	case "price":
		return l.Price != nil
	case "area":
		return l.Area != nil
	case "location":
		return l.Location != ""
	case "coordinates":
		return l.HasCoordinates()
	case "image_urls":
		return len(l.ImageURLs) > 0
	case "posted_date":
		return l.PostedDate != nil
	}
	return false
}

// comparableFieldCount counts dedup-scored fields present on both sides.
func comparableFieldCount(a, b *models.Listing) int {
	n := 0
	if a.Title != "" && b.Title != "" {
		n++
	}
	if a.Price != nil && b.Price != nil {
		n++
	}
	if a.Area != nil && b.Area != nil {
		n++
	}
	if a.HasCoordinates() && b.HasCoordinates() {
		n++
	}
	return n
}
