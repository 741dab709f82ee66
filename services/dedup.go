package services

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"propradar/config"
	"propradar/models"
)

// DuplicateStore is the persistence surface the detector needs.
type DuplicateStore interface {
	FindDuplicateCandidates(ctx context.Context, l *models.Listing, radiusM float64, postedWindow time.Duration) ([]models.Listing, error)
	InsertDuplicateLink(ctx context.Context, dl *models.DuplicateLink) (bool, error)
}

// DuplicateDetector decides whether a freshly normalized listing
// describes the same property as one already ingested from a different
// source.
type DuplicateDetector struct {
	store DuplicateStore
	cfg   config.DedupConfig
}

func NewDuplicateDetector(store DuplicateStore, cfg config.DedupConfig) *DuplicateDetector {
	return &DuplicateDetector{store: store, cfg: cfg}
}

// fieldScore is one field's contribution to the weighted similarity.
type fieldScore struct {
	name    string
	weight  float64
	sim     float64
	matched bool
}

// FindDuplicate compares the candidate against listings from other
// sources inside the geo+time window and returns the best link at or
// above the acceptance threshold, or nil. The insert is idempotent per
// (original, duplicate) pair.
func (d *DuplicateDetector) FindDuplicate(ctx context.Context, candidate *models.Listing) (*models.DuplicateLink, error) {
	window := time.Duration(d.cfg.PostedWindowDay) * 24 * time.Hour
	others, err := d.store.FindDuplicateCandidates(ctx, candidate, d.cfg.CoordRadiusM, window)
	if err != nil {
		return nil, fmt.Errorf("candidate query: %w", err)
	}

	var best *models.DuplicateLink
	var bestScore float64

	for i := range others {
		other := &others[i]
		score, matched := d.Score(candidate, other)
		if score < d.cfg.Threshold || len(matched) == 0 {
			continue
		}
		if best != nil && score <= bestScore {
			continue
		}

		link := &models.DuplicateLink{
			SimilarityScore: score,
			MatchingFields:  matched,
			DetectedAt:      time.Now(),
		}
		// Directional: the earlier-scraped listing is the original.
		if other.ScrapedAt.After(candidate.ScrapedAt) {
			link.OriginalID = candidate.ListingID
			link.DuplicateID = other.ListingID
		} else {
			link.OriginalID = other.ListingID
			link.DuplicateID = candidate.ListingID
		}

		best = link
		bestScore = score
	}

	if best == nil {
		return nil, nil
	}

	if _, err := d.store.InsertDuplicateLink(ctx, best); err != nil {
		return nil, fmt.Errorf("insert link: %w", err)
	}
	return best, nil
}

// Score computes the weighted similarity between two listings. Fields
// missing on either side are excluded from numerator and denominator,
// so partial data cannot force a false negative.
func (d *DuplicateDetector) Score(a, b *models.Listing) (float64, []string) {
	var scores []fieldScore

	if a.Title != "" && b.Title != "" {
		overlap := tokenOverlap(a.Title, b.Title)
		scores = append(scores, fieldScore{
			name: "title", weight: d.cfg.TitleWeight, sim: overlap, matched: overlap >= 0.5,
		})
	}

	if a.Price != nil && b.Price != nil {
		rel := relDiff(*a.Price, *b.Price)
		scores = append(scores, fieldScore{
			name:    "price",
			weight:  d.cfg.PriceWeight,
			sim:     math.Max(0, 1-rel/(2*d.cfg.PriceTolerance)),
			matched: rel <= d.cfg.PriceTolerance,
		})
	}

	if a.Area != nil && b.Area != nil {
		rel := relDiff(*a.Area, *b.Area)
		scores = append(scores, fieldScore{
			name:    "area",
			weight:  d.cfg.AreaWeight,
			sim:     math.Max(0, 1-rel/(2*d.cfg.AreaTolerance)),
			matched: rel <= d.cfg.AreaTolerance,
		})
	}

	if a.HasCoordinates() && b.HasCoordinates() {
		dist := haversineM(*a.Lat, *a.Lng, *b.Lat, *b.Lng)
		scores = append(scores, fieldScore{
			name:    "coordinates",
			weight:  d.cfg.CoordWeight,
			sim:     math.Max(0, 1-dist/d.cfg.CoordRadiusM),
			matched: dist <= d.cfg.CoordRadiusM,
		})
	}

	var num, den float64
	var matched []string
	for _, fs := range scores {
		num += fs.weight * fs.sim
		den += fs.weight
		if fs.matched {
			matched = append(matched, fs.name)
		}
	}
	if den == 0 {
		return 0, nil
	}
	sort.Strings(matched)
	return num / den, matched
}

var titleNonAlnum = regexp.MustCompile(`[^a-z0-9āčēģīķļņšūž\s]`)

// tokenOverlap is the Jaccard index over normalized title tokens.
// Trailing plural 's' is trimmed so "rooms" and "room" agree.
func tokenOverlap(a, b string) float64 {
	setA := titleTokens(a)
	setB := titleTokens(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func titleTokens(s string) map[string]bool {
	s = titleNonAlnum.ReplaceAllString(strings.ToLower(s), " ")
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		if len(tok) > 3 && strings.HasSuffix(tok, "s") {
			tok = tok[:len(tok)-1]
		}
		tokens[tok] = true
	}
	return tokens
}

func relDiff(a, b float64) float64 {
	max := math.Max(math.Abs(a), math.Abs(b))
	if max == 0 {
		return 0
	}
	return math.Abs(a-b) / max
}

const earthRadiusM = 6371000.0

func haversineM(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}
