package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"nostrsync/internal/listing/models"
	"nostrsync/internal/protocol"
	txcontext "nostrsync/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

// PostgresStore persists listings in PostgreSQL. Every method joins the
// transaction carried by ctx when there is one.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply listing schema: %w", err)
	}
	return nil
}

const listingColumns = `id, event_id, kind, pubkey, d_tag, created_at, title,
	amount, currency, frequency, street, city, country, resin_type, attribution,
	latitude, longitude, attributes, content`

func (s *PostgresStore) HasEvent(ctx context.Context, eventID string) (bool, error) {
	query := `
		SELECT EXISTS (SELECT 1 FROM listing_event_history WHERE event_id = $1)
		    OR EXISTS (SELECT 1 FROM listings WHERE event_id = $1)
	`
	var found bool
	if err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, eventID).Scan(&found); err != nil {
		return false, fmt.Errorf("check event %s: %w", eventID, err)
	}
	return found, nil
}

func (s *PostgresStore) FindByAddress(ctx context.Context, addr protocol.Address) (*models.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE kind = $1 AND pubkey = $2 AND d_tag = $3`
	q := txcontext.Pick(ctx, s.db)
	l, err := scanListing(q.QueryRowContext(ctx, query, addr.Kind, addr.PubKey, addr.Identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find listing %s: %w", addr, err)
	}
	if err := s.loadImages(ctx, q, []*models.Listing{l}); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	q := txcontext.Pick(ctx, s.db)
	l, err := scanListing(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find listing %s: %w", id, err)
	}
	if err := s.loadImages(ctx, q, []*models.Listing{l}); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *PostgresStore) Insert(ctx context.Context, l *models.Listing) error {
	query := `
		INSERT INTO listings (` + listingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	args, err := listingArgs(l)
	if err != nil {
		return err
	}
	q := txcontext.Pick(ctx, s.db)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert listing %s: %w", l.Address(), err)
	}
	return s.writeImages(ctx, q, l)
}

// Replace overwrites the listing row only while it still holds
// previousEventID. A concurrent writer that got there first yields
// ErrConflict.
func (s *PostgresStore) Replace(ctx context.Context, previousEventID string, l *models.Listing) error {
	query := `
		UPDATE listings SET
			event_id = $2, kind = $3, pubkey = $4, d_tag = $5, created_at = $6, title = $7,
			amount = $8, currency = $9, frequency = $10, street = $11, city = $12, country = $13,
			resin_type = $14, attribution = $15, latitude = $16, longitude = $17,
			attributes = $18, content = $19
		WHERE id = $1 AND event_id = $20
	`
	args, err := listingArgs(l)
	if err != nil {
		return err
	}
	q := txcontext.Pick(ctx, s.db)
	res, err := q.ExecContext(ctx, query, append(args, previousEventID)...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("replace listing %s: %w", l.Address(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace listing %s: %w", l.Address(), err)
	}
	if n == 0 {
		return ErrConflict
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM listing_images WHERE listing_id = $1`, l.ID); err != nil {
		return fmt.Errorf("clear images for %s: %w", l.ID, err)
	}
	return s.writeImages(ctx, q, l)
}

func (s *PostgresStore) AppendHistory(ctx context.Context, entry models.HistoryEntry) error {
	query := `INSERT INTO listing_event_history (event_id, listing_id, created_at) VALUES ($1, $2, $3)`
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query, entry.EventID, entry.ListingID, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("append history %s: %w", entry.EventID, err)
	}
	return nil
}

// Delete removes the listing; history and images go with it through
// ON DELETE CASCADE.
func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `DELETE FROM listings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete listing %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete listing %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, listingID uuid.UUID) ([]models.HistoryEntry, error) {
	query := `
		SELECT id, event_id, listing_id, created_at
		FROM listing_event_history
		WHERE listing_id = $1
		ORDER BY id
	`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, listingID)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", listingID, err)
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var h models.HistoryEntry
		if err := rows.Scan(&h.ID, &h.EventID, &h.ListingID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListByPublisher(ctx context.Context, pubkey string) ([]*models.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE pubkey = $1 ORDER BY created_at DESC, event_id`
	q := txcontext.Pick(ctx, s.db)
	rows, err := q.QueryContext(ctx, query, pubkey)
	if err != nil {
		return nil, fmt.Errorf("query listings for %s: %w", pubkey, err)
	}
	defer rows.Close()

	var out []*models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	if err := s.loadImages(ctx, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

// BackfillHistory records the current event id of every listing that has no
// matching history row. Rows written before history tracking existed are
// caught up this way; it is safe to run repeatedly.
func (s *PostgresStore) BackfillHistory(ctx context.Context) (int64, error) {
	query := `
		INSERT INTO listing_event_history (event_id, listing_id, created_at)
		SELECT l.event_id, l.id, l.created_at
		FROM listings l
		WHERE NOT EXISTS (SELECT 1 FROM listing_event_history h WHERE h.event_id = l.event_id)
		ON CONFLICT (event_id) DO NOTHING
	`
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("backfill history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("backfill history: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) writeImages(ctx context.Context, q txcontext.Querier, l *models.Listing) error {
	query := `
		INSERT INTO listing_images (listing_id, position, url, sha256, width, height, blurhash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for i, img := range l.Images {
		_, err := q.ExecContext(ctx, query, l.ID, i, img.URL, img.Hash,
			nullInt(img.Width), nullInt(img.Height), img.BlurDigest)
		if err != nil {
			return fmt.Errorf("insert image %d for %s: %w", i, l.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) loadImages(ctx context.Context, q txcontext.Querier, listings []*models.Listing) error {
	if len(listings) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*models.Listing, len(listings))
	ids := make([]string, 0, len(listings))
	for _, l := range listings {
		byID[l.ID] = l
		ids = append(ids, l.ID.String())
	}
	query := `
		SELECT listing_id, url, sha256, width, height, blurhash
		FROM listing_images
		WHERE listing_id = ANY($1::uuid[])
		ORDER BY listing_id, position
	`
	rows, err := q.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			listingID     uuid.UUID
			img           models.ImageAsset
			width, height sql.NullInt64
		)
		if err := rows.Scan(&listingID, &img.URL, &img.Hash, &width, &height, &img.BlurDigest); err != nil {
			return fmt.Errorf("scan image: %w", err)
		}
		img.Width = int(width.Int64)
		img.Height = int(height.Int64)
		if l, ok := byID[listingID]; ok {
			l.Images = append(l.Images, img)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate images: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*models.Listing, error) {
	var (
		l                   models.Listing
		amount              sql.NullFloat64
		currency, frequency sql.NullString
		latitude, longitude sql.NullFloat64
		attributes          []byte
		content             []byte
	)
	err := row.Scan(&l.ID, &l.EventID, &l.Kind, &l.PubKey, &l.AddressKey, &l.CreatedAt, &l.Title,
		&amount, &currency, &frequency, &l.Street, &l.City, &l.Country, &l.ResinType, &l.Attribution,
		&latitude, &longitude, &attributes, &content)
	if err != nil {
		return nil, err
	}
	if amount.Valid {
		l.Price = &models.Price{Amount: amount.Float64, Currency: currency.String, Frequency: frequency.String}
	}
	if latitude.Valid && longitude.Valid {
		l.Location = &models.Location{Latitude: latitude.Float64, Longitude: longitude.Float64}
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &l.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}
	if len(content) > 0 {
		l.Content = json.RawMessage(content)
	}
	return &l, nil
}

func listingArgs(l *models.Listing) ([]any, error) {
	attrs := l.Attributes
	if attrs == nil {
		attrs = map[string][]string{}
	}
	attributes, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	var (
		amount              sql.NullFloat64
		currency, frequency sql.NullString
		latitude, longitude sql.NullFloat64
		content             any
	)
	if l.Price != nil {
		amount = sql.NullFloat64{Float64: l.Price.Amount, Valid: true}
		currency = sql.NullString{String: l.Price.Currency, Valid: true}
		frequency = sql.NullString{String: l.Price.Frequency, Valid: l.Price.Frequency != ""}
	}
	if l.Location != nil {
		latitude = sql.NullFloat64{Float64: l.Location.Latitude, Valid: true}
		longitude = sql.NullFloat64{Float64: l.Location.Longitude, Valid: true}
	}
	if len(l.Content) > 0 {
		content = string(l.Content)
	}
	return []any{
		l.ID, l.EventID, l.Kind, l.PubKey, l.AddressKey, l.CreatedAt, l.Title,
		amount, currency, frequency, l.Street, l.City, l.Country, l.ResinType, l.Attribution,
		latitude, longitude, string(attributes), content,
	}, nil
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v > 0}
}
