package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rl1809/negotiation/internal/core/domain"
)

// MySQLDirectory reads actors and products from the admin tables owned by the
// account and catalog services. It never writes.
type MySQLDirectory struct {
	db *sql.DB
}

func NewMySQLDirectory(db *sql.DB) *MySQLDirectory {
	return &MySQLDirectory{db: db}
}

func (d *MySQLDirectory) ResolveActor(ctx context.Context, id string) (*domain.ActorProfile, error) {
	var (
		p     domain.ActorProfile
		email sql.NullString
		phone sql.NullString
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, account_type, display_name, email, phone
		FROM accounts WHERE id = ?`, id,
	).Scan(&p.ID, &p.Type, &p.DisplayName, &email, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}

	p.Email = email.String
	p.Phone = phone.String
	return &p, nil
}

func (d *MySQLDirectory) ResolveProduct(ctx context.Context, id string) (*domain.ProductSummary, error) {
	var (
		p        domain.ProductSummary
		price    decimal.NullDecimal
		currency sql.NullString
		media    sql.NullString
		family   sql.NullString
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT p.id, p.name, p.price, p.currency, p.media_url, f.name
		FROM products p
		LEFT JOIN product_families f ON f.id = p.family_id
		WHERE p.id = ? AND p.deleted_at IS NULL`, id,
	).Scan(&p.ID, &p.Name, &price, &currency, &media, &family)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}

	if price.Valid {
		p.Price = &domain.Money{Amount: price.Decimal, Currency: currency.String}
	}
	p.MediaURL = media.String
	p.FamilyName = family.String
	return &p, nil
}
