package models

import (
	"encoding/json"
	"time"
)

// RawItem is one unvalidated payload handed over by a site adapter.
// The fields are whatever the adapter managed to pull out of the page;
// normalization turns this into a Listing or a typed error.
type RawItem struct {
	Source     Source          `json:"source"`
	ExternalID string          `json:"external_id"`
	URL        string          `json:"url"`
	Fields     json.RawMessage `json:"fields"`
}

// Listing is the canonical normalized record. ListingID is globally
// unique because it is prefixed with the source ("ss:12345").
type Listing struct {
	ListingID  string     `json:"listing_id" db:"listing_id"`
	Source     Source     `json:"source" db:"source"`
	Title      string     `json:"title" db:"title"`
	Price      *float64   `json:"price" db:"price"`
	Area       *float64   `json:"area" db:"area"`
	Location   string     `json:"location" db:"location"`
	Lat        *float64   `json:"lat" db:"lat"`
	Lng        *float64   `json:"lng" db:"lng"`
	Features   []string   `json:"features" db:"features"`
	PostedDate *time.Time `json:"posted_date" db:"posted_date"`
	ImageURLs  []string   `json:"image_urls" db:"image_urls"`
	ScrapedAt  time.Time  `json:"scraped_at" db:"scraped_at"`
	SourceURL  string     `json:"source_url" db:"source_url"`
}

// HasCoordinates reports whether the listing carries a usable position.
func (l *Listing) HasCoordinates() bool {
	return l.Lat != nil && l.Lng != nil
}

// DuplicateLink records that two listings from different sources describe
// the same physical property. Directional: OriginalID is the listing with
// the earlier scraped_at.
type DuplicateLink struct {
	ID              int64     `json:"id" db:"id"`
	OriginalID      string    `json:"original_id" db:"original_id"`
	DuplicateID     string    `json:"duplicate_id" db:"duplicate_id"`
	SimilarityScore float64   `json:"similarity_score" db:"similarity_score"`
	MatchingFields  []string  `json:"matching_fields" db:"matching_fields"`
	DetectedAt      time.Time `json:"detected_at" db:"detected_at"`
}
