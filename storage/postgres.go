package storage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"propradar/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// Listings
// =============================================================================

func (s *PostgresStore) UpsertListing(ctx context.Context, l *models.Listing) error {
	query := `
		INSERT INTO listings (
			listing_id, source, title, price, area, location, lat, lng,
			features, posted_date, image_urls, scraped_at, source_url
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (listing_id) DO UPDATE SET
			title = EXCLUDED.title,
			price = COALESCE(EXCLUDED.price, listings.price),
			area = COALESCE(EXCLUDED.area, listings.area),
			location = COALESCE(NULLIF(EXCLUDED.location, ''), listings.location),
			lat = COALESCE(EXCLUDED.lat, listings.lat),
			lng = COALESCE(EXCLUDED.lng, listings.lng),
			features = EXCLUDED.features,
			posted_date = COALESCE(EXCLUDED.posted_date, listings.posted_date),
			image_urls = EXCLUDED.image_urls,
			scraped_at = EXCLUDED.scraped_at,
			source_url = COALESCE(NULLIF(EXCLUDED.source_url, ''), listings.source_url)`

	_, err := s.pool.Exec(ctx, query,
		l.ListingID, l.Source, l.Title, l.Price, l.Area, l.Location, l.Lat, l.Lng,
		l.Features, l.PostedDate, l.ImageURLs, l.ScrapedAt, l.SourceURL,
	)
	return err
}

func (s *PostgresStore) GetListing(ctx context.Context, listingID string) (*models.Listing, error) {
	query := `
		SELECT listing_id, source, title, price, area, location, lat, lng,
			features, posted_date, image_urls, scraped_at, source_url
		FROM listings WHERE listing_id = $1`

	var l models.Listing
	err := s.pool.QueryRow(ctx, query, listingID).Scan(
		&l.ListingID, &l.Source, &l.Title, &l.Price, &l.Area, &l.Location, &l.Lat, &l.Lng,
		&l.Features, &l.PostedDate, &l.ImageURLs, &l.ScrapedAt, &l.SourceURL,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// FindDuplicateCandidates returns listings from other sources inside the
// geographic+time window around the candidate. Coordinates use a bounding
// box here; the detector applies the exact haversine cut afterwards.
func (s *PostgresStore) FindDuplicateCandidates(ctx context.Context, l *models.Listing, radiusM float64, postedWindow time.Duration) ([]models.Listing, error) {
	query := `
		SELECT listing_id, source, title, price, area, location, lat, lng,
			features, posted_date, image_urls, scraped_at, source_url
		FROM listings
		WHERE source != $1 AND listing_id != $2`
	args := []interface{}{l.Source, l.ListingID}
	argNum := 3

	if l.HasCoordinates() {
		latDelta := radiusM / 111320.0
		lngDelta := radiusM / (111320.0 * math.Cos(*l.Lat*math.Pi/180))
		query += fmt.Sprintf(
			" AND ((lat BETWEEN $%d AND $%d AND lng BETWEEN $%d AND $%d) OR LOWER(location) = LOWER($%d))",
			argNum, argNum+1, argNum+2, argNum+3, argNum+4)
		args = append(args, *l.Lat-latDelta, *l.Lat+latDelta, *l.Lng-lngDelta, *l.Lng+lngDelta, l.Location)
		argNum += 5
	} else {
		query += fmt.Sprintf(" AND LOWER(location) = LOWER($%d)", argNum)
		args = append(args, l.Location)
		argNum++
	}

	if l.PostedDate != nil {
		query += fmt.Sprintf(" AND (posted_date IS NULL OR posted_date BETWEEN $%d AND $%d)", argNum, argNum+1)
		args = append(args, l.PostedDate.Add(-postedWindow), l.PostedDate.Add(postedWindow))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanListings(rows)
}

func (s *PostgresStore) ListingsInWindow(ctx context.Context, source models.Source, from, to time.Time) ([]models.Listing, error) {
	query := `
		SELECT listing_id, source, title, price, area, location, lat, lng,
			features, posted_date, image_urls, scraped_at, source_url
		FROM listings
		WHERE source = $1 AND scraped_at >= $2 AND scraped_at < $3
		ORDER BY scraped_at`

	rows, err := s.pool.Query(ctx, query, source, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanListings(rows)
}

func scanListings(rows pgx.Rows) ([]models.Listing, error) {
	var listings []models.Listing
	for rows.Next() {
		var l models.Listing
		if err := rows.Scan(
			&l.ListingID, &l.Source, &l.Title, &l.Price, &l.Area, &l.Location, &l.Lat, &l.Lng,
			&l.Features, &l.PostedDate, &l.ImageURLs, &l.ScrapedAt, &l.SourceURL,
		); err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// =============================================================================
// Duplicate Links
// =============================================================================

// InsertDuplicateLink is idempotent per (original, duplicate) pair.
// Returns false when the link already existed.
func (s *PostgresStore) InsertDuplicateLink(ctx context.Context, dl *models.DuplicateLink) (bool, error) {
	query := `
		INSERT INTO duplicate_links (original_id, duplicate_id, similarity_score, matching_fields, detected_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (original_id, duplicate_id) DO NOTHING
		RETURNING id`

	err := s.pool.QueryRow(ctx, query,
		dl.OriginalID, dl.DuplicateID, dl.SimilarityScore, dl.MatchingFields, dl.DetectedAt,
	).Scan(&dl.ID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) LinksDetectedInWindow(ctx context.Context, from, to time.Time) ([]models.DuplicateLink, error) {
	query := `
		SELECT id, original_id, duplicate_id, similarity_score, matching_fields, detected_at
		FROM duplicate_links
		WHERE detected_at >= $1 AND detected_at < $2`

	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []models.DuplicateLink
	for rows.Next() {
		var dl models.DuplicateLink
		if err := rows.Scan(&dl.ID, &dl.OriginalID, &dl.DuplicateID, &dl.SimilarityScore, &dl.MatchingFields, &dl.DetectedAt); err != nil {
			return nil, err
		}
		links = append(links, dl)
	}
	return links, rows.Err()
}

// =============================================================================
// Spider Runs
// =============================================================================

// CreateRunIfNoActive inserts the run unless a non-terminal run already
// exists for the same source. Returns false without inserting otherwise.
func (s *PostgresStore) CreateRunIfNoActive(ctx context.Context, run *models.SpiderRun) (bool, error) {
	query := `
		INSERT INTO spider_runs (id, source, started_at, status, settings)
		SELECT $1, $2, $3, $4, $5
		WHERE NOT EXISTS (
			SELECT 1 FROM spider_runs WHERE source = $2 AND status = 'running'
		)
		RETURNING id`

	err := s.pool.QueryRow(ctx, query,
		run.ID, run.Source, run.StartedAt, run.Status, run.Settings,
	).Scan(&run.ID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddRunProgress applies counter deltas with a single atomic UPDATE.
// Returns false when the run is no longer in the running state.
func (s *PostgresStore) AddRunProgress(ctx context.Context, id uuid.UUID, delta models.RunProgress) (bool, error) {
	query := `
		UPDATE spider_runs SET
			items_scraped = items_scraped + $2,
			items_failed = items_failed + $3,
			total_requests = total_requests + $4,
			failed_requests = failed_requests + $5
		WHERE id = $1 AND status = 'running'`

	tag, err := s.pool.Exec(ctx, query,
		id, delta.ItemsScraped, delta.ItemsFailed, delta.TotalRequests, delta.FailedRequests,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FinishRun moves a running run to a terminal status. Returns false when
// the run was not running anymore.
func (s *PostgresStore) FinishRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errorMessage string) (bool, error) {
	query := `
		UPDATE spider_runs SET status = $2, error_message = $3, finished_at = NOW()
		WHERE id = $1 AND status = 'running'`

	tag, err := s.pool.Exec(ctx, query, id, status, errorMessage)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.SpiderRun, error) {
	query := `
		SELECT id, source, started_at, finished_at, status, items_scraped,
			items_failed, total_requests, failed_requests, settings, error_message
		FROM spider_runs WHERE id = $1`

	var r models.SpiderRun
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.Source, &r.StartedAt, &r.FinishedAt, &r.Status, &r.ItemsScraped,
		&r.ItemsFailed, &r.TotalRequests, &r.FailedRequests, &r.Settings, &r.ErrorMessage,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]models.SpiderRun, error) {
	query := `
		SELECT id, source, started_at, finished_at, status, items_scraped,
			items_failed, total_requests, failed_requests, settings, error_message
		FROM spider_runs
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.SpiderRun
	for rows.Next() {
		var r models.SpiderRun
		if err := rows.Scan(
			&r.ID, &r.Source, &r.StartedAt, &r.FinishedAt, &r.Status, &r.ItemsScraped,
			&r.ItemsFailed, &r.TotalRequests, &r.FailedRequests, &r.Settings, &r.ErrorMessage,
		); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// Failed Items (dead-letter queue)
// =============================================================================

func (s *PostgresStore) InsertFailedItem(ctx context.Context, fi *models.FailedItem) error {
	query := `
		INSERT INTO failed_items (
			id, source, raw_payload, error_message, error_type,
			retry_count, max_retries, is_resolved, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		fi.ID, fi.Source, fi.RawPayload, fi.ErrorMessage, fi.ErrorType,
		fi.RetryCount, fi.MaxRetries, fi.IsResolved, fi.CreatedAt,
	)
	return err
}

// ClaimRetryBatch leases up to limit retryable items. The lease keeps
// overlapping sweeps from retrying the same item twice; expired leases
// are reclaimed so a crashed sweep cannot block an item forever.
func (s *PostgresStore) ClaimRetryBatch(ctx context.Context, limit int, leaseTTL time.Duration) ([]models.FailedItem, error) {
	query := `
		UPDATE failed_items SET lease_expires_at = NOW() + $2::interval
		WHERE id IN (
			SELECT id FROM failed_items
			WHERE NOT is_resolved
				AND retry_count < max_retries
				AND (lease_expires_at IS NULL OR lease_expires_at < NOW())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, source, raw_payload, error_message, error_type,
			retry_count, max_retries, last_retry_at, is_resolved, resolved_at, created_at`

	rows, err := s.pool.Query(ctx, query, limit, leaseTTL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFailedItems(rows)
}

// MarkRetryFailure records one failed retry attempt and releases the lease.
func (s *PostgresStore) MarkRetryFailure(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE failed_items SET
			retry_count = retry_count + 1,
			last_retry_at = NOW(),
			error_message = $2,
			lease_expires_at = NULL
		WHERE id = $1 AND retry_count < max_retries`

	_, err := s.pool.Exec(ctx, query, id, errorMessage)
	return err
}

func (s *PostgresStore) MarkResolved(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE failed_items SET is_resolved = TRUE, resolved_at = NOW(), lease_expires_at = NULL
		WHERE id = $1`

	_, err := s.pool.Exec(ctx, query, id)
	return err
}

func (s *PostgresStore) ListUnresolved(ctx context.Context, limit int) ([]models.FailedItem, error) {
	query := `
		SELECT id, source, raw_payload, error_message, error_type,
			retry_count, max_retries, last_retry_at, is_resolved, resolved_at, created_at
		FROM failed_items
		WHERE NOT is_resolved
		ORDER BY created_at
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFailedItems(rows)
}

func scanFailedItems(rows pgx.Rows) ([]models.FailedItem, error) {
	var items []models.FailedItem
	for rows.Next() {
		var fi models.FailedItem
		if err := rows.Scan(
			&fi.ID, &fi.Source, &fi.RawPayload, &fi.ErrorMessage, &fi.ErrorType,
			&fi.RetryCount, &fi.MaxRetries, &fi.LastRetryAt, &fi.IsResolved, &fi.ResolvedAt, &fi.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, fi)
	}
	return items, rows.Err()
}

// =============================================================================
// Quality Metrics
// =============================================================================

func (s *PostgresStore) InsertQualityMetric(ctx context.Context, m *models.QualityMetric) error {
	query := `
		INSERT INTO quality_metrics (metric_name, source, value, calculated_at, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return s.pool.QueryRow(ctx, query,
		m.MetricName, m.Source, m.Value, m.CalculatedAt, m.Details,
	).Scan(&m.ID)
}

func (s *PostgresStore) ListQualityMetrics(ctx context.Context, source models.Source, limit int) ([]models.QualityMetric, error) {
	query := `
		SELECT id, metric_name, source, value, calculated_at, details
		FROM quality_metrics
		WHERE source = $1
		ORDER BY calculated_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []models.QualityMetric
	for rows.Next() {
		var m models.QualityMetric
		if err := rows.Scan(&m.ID, &m.MetricName, &m.Source, &m.Value, &m.CalculatedAt, &m.Details); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// =============================================================================
// Proxy Endpoints
// =============================================================================

func (s *PostgresStore) SaveProxyEndpoint(ctx context.Context, ep *models.ProxyEndpoint) error {
	query := `
		INSERT INTO proxy_endpoints (
			url, is_active, last_checked, response_time_ms, success_rate,
			total_requests, successful_requests, consecutive_failures,
			last_error, country_code, anonymity_level, deactivated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (url) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			last_checked = EXCLUDED.last_checked,
			response_time_ms = EXCLUDED.response_time_ms,
			success_rate = EXCLUDED.success_rate,
			total_requests = EXCLUDED.total_requests,
			successful_requests = EXCLUDED.successful_requests,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_error = EXCLUDED.last_error,
			deactivated_at = EXCLUDED.deactivated_at`

	_, err := s.pool.Exec(ctx, query,
		ep.URL, ep.IsActive, ep.LastChecked, ep.ResponseTimeMS, ep.SuccessRate,
		ep.TotalRequests, ep.SuccessfulRequests, ep.ConsecutiveFailures,
		ep.LastError, ep.CountryCode, ep.AnonymityLevel, ep.DeactivatedAt,
	)
	return err
}
