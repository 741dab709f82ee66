package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"propradar/models"
)

// NormalizationError is a typed validation failure. The DLQ uses the
// Field to group recurring source breakages.
type NormalizationError struct {
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: %s", e.Field, e.Reason)
}

// Field aliases seen across the portals. Normalization resolves each
// canonical key through its alias list, first hit wins.
var fieldAliases = map[string][]string{
	"title":       {"title", "heading", "name"},
	"price":       {"price", "price_eur", "cost"},
	"area":        {"area", "m2", "size_m2"},
	"location":    {"location", "district", "address", "region"},
	"lat":         {"lat", "latitude"},
	"lng":         {"lng", "lon", "longitude"},
	"features":    {"features", "amenities", "tags"},
	"posted_date": {"posted_date", "date", "published_at"},
	"image_urls":  {"image_urls", "images", "photos"},
}

var postedDateFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006 15:04",
	"02.01.2006",
}

// Normalize turns one raw adapter payload into a canonical Listing or a
// typed error. Pure: no I/O, no shared state.
func Normalize(raw *models.RawItem, now time.Time) (*models.Listing, error) {
	if !models.ValidSource(raw.Source) {
		return nil, &NormalizationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", raw.Source)}
	}
	if raw.ExternalID == "" {
		return nil, &NormalizationError{Field: "external_id", Reason: "missing"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw.Fields, &fields); err != nil {
		return nil, &NormalizationError{Field: "fields", Reason: "payload is not a JSON object"}
	}

	title := stringField(fields, "title")
	if title == "" {
		return nil, &NormalizationError{Field: "title", Reason: "missing"}
	}

	l := &models.Listing{
		ListingID: string(raw.Source) + ":" + raw.ExternalID,
		Source:    raw.Source,
		Title:     strings.TrimSpace(title),
		Location:  strings.TrimSpace(stringField(fields, "location")),
		Features:  stringSliceField(fields, "features"),
		ImageURLs: stringSliceField(fields, "image_urls"),
		ScrapedAt: now,
		SourceURL: raw.URL,
	}

	if price, ok, err := floatField(fields, "price"); err != nil {
		return nil, err
	} else if ok {
		if price < 0 {
			return nil, &NormalizationError{Field: "price", Reason: "negative"}
		}
		l.Price = &price
	}

	if area, ok, err := floatField(fields, "area"); err != nil {
		return nil, err
	} else if ok {
		if area <= 0 {
			return nil, &NormalizationError{Field: "area", Reason: "not positive"}
		}
		l.Area = &area
	}

	lat, hasLat, err := floatField(fields, "lat")
	if err != nil {
		return nil, err
	}
	lng, hasLng, err := floatField(fields, "lng")
	if err != nil {
		return nil, err
	}
	if hasLat != hasLng {
		return nil, &NormalizationError{Field: "coordinates", Reason: "lat and lng must come together"}
	}
	if hasLat {
		if lat < -90 || lat > 90 {
			return nil, &NormalizationError{Field: "lat", Reason: "out of range"}
		}
		if lng < -180 || lng > 180 {
			return nil, &NormalizationError{Field: "lng", Reason: "out of range"}
		}
		l.Lat = &lat
		l.Lng = &lng
	}

	if posted := stringField(fields, "posted_date"); posted != "" {
		parsed, err := parsePostedDate(posted)
		if err != nil {
			return nil, &NormalizationError{Field: "posted_date", Reason: err.Error()}
		}
		if parsed.After(now) {
			return nil, &NormalizationError{Field: "posted_date", Reason: "in the future"}
		}
		l.PostedDate = &parsed
	}

	return l, nil
}

func resolveAlias(fields map[string]json.RawMessage, canonical string) (json.RawMessage, bool) {
	for _, alias := range fieldAliases[canonical] {
		if v, ok := fields[alias]; ok && len(v) > 0 && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]json.RawMessage, canonical string) string {
	v, ok := resolveAlias(fields, canonical)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	// Some portals emit numbers where strings are expected.
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

func floatField(fields map[string]json.RawMessage, canonical string) (float64, bool, error) {
	v, ok := resolveAlias(fields, canonical)
	if !ok {
		return 0, false, nil
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, true, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		s = strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(s, "€", ""), ",", ""))
		if s == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, &NormalizationError{Field: canonical, Reason: fmt.Sprintf("unparseable number %q", s)}
		}
		return f, true, nil
	}
	return 0, false, &NormalizationError{Field: canonical, Reason: "neither number nor string"}
}

func stringSliceField(fields map[string]json.RawMessage, canonical string) []string {
	v, ok := resolveAlias(fields, canonical)
	if !ok {
		return nil
	}
	var out []string
	if err := json.Unmarshal(v, &out); err != nil {
		return nil
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}

func parsePostedDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, format := range postedDateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
