package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/rl1809/negotiation/internal/core/domain"
	"github.com/rl1809/negotiation/internal/port"
)

var ErrDuplicateRecord = errors.New("duplicate negotiation record")

const mysqlDuplicateEntry = 1062

const recordColumns = `seq, id, bid_id, product_id, from_actor_id, from_actor_type, to_actor_id, to_actor_type,
	offer_amount, offer_currency, previous_offer_amount, previous_offer_currency,
	quantity, message, response_message, status, order_id, created_at, updated_at`

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) Append(ctx context.Context, record domain.Record) (domain.Record, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO negotiation_lineages (bid_id, created_at)
		VALUES (?, ?)
		ON DUPLICATE KEY UPDATE bid_id = bid_id`,
		record.BidID, record.CreatedAt,
	)
	if err != nil {
		return domain.Record{}, fmt.Errorf("insert lineage: %w", err)
	}

	var prevAmount decimal.NullDecimal
	var prevCurrency sql.NullString
	if record.PreviousOfferPrice != nil {
		prevAmount = decimal.NewNullDecimal(record.PreviousOfferPrice.Amount)
		prevCurrency = sql.NullString{String: record.PreviousOfferPrice.Currency, Valid: true}
	}
	var quantity sql.NullInt64
	if record.Quantity != nil {
		quantity = sql.NullInt64{Int64: int64(*record.Quantity), Valid: true}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO negotiation_records (
			id, bid_id, product_id, counterparty_id,
			from_actor_id, from_actor_type, to_actor_id, to_actor_type,
			offer_amount, offer_currency, previous_offer_amount, previous_offer_currency,
			quantity, message, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.BidID, record.ProductID, record.CounterpartyID(),
		record.FromActorID, record.FromActorType, record.ToActorID, record.ToActorType,
		record.OfferPrice.Amount, record.OfferPrice.Currency, prevAmount, prevCurrency,
		quantity, nullString(record.Message), record.Status, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return domain.Record{}, ErrDuplicateRecord
		}
		return domain.Record{}, fmt.Errorf("insert record: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return domain.Record{}, fmt.Errorf("read seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Record{}, fmt.Errorf("commit: %w", err)
	}

	stored := record.Clone()
	stored.Seq = seq
	return stored, nil
}

func (m *MySQLAdapter) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM negotiation_records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	return r, nil
}

// CASUpdateStatus claims the lineage row before touching an accepted record so
// that two concurrent accepts cannot both commit, even across instances.
func (m *MySQLAdapter) CASUpdateStatus(ctx context.Context, update port.StatusUpdate) (*domain.Record, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var result sql.Result
	if update.New == domain.RecordStatusAccepted {
		result, err = tx.ExecContext(ctx, `
			UPDATE negotiation_lineages l
			JOIN negotiation_records r ON r.bid_id = l.bid_id
			SET l.accepted_record_id = r.id
			WHERE r.id = ? AND r.status = ? AND l.accepted_record_id IS NULL`,
			update.RecordID, update.Expected,
		)
		if err != nil {
			return nil, fmt.Errorf("lock lineage: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return nil, m.diagnose(ctx, tx, update)
		}
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE negotiation_records r
		JOIN negotiation_lineages l ON l.bid_id = r.bid_id
		SET r.status = ?, r.response_message = ?, r.updated_at = ?
		WHERE r.id = ? AND r.status = ?
		  AND (l.accepted_record_id IS NULL OR l.accepted_record_id = r.id)`,
		update.New, nullString(update.ResponseMessage), update.UpdatedAt,
		update.RecordID, update.Expected,
	)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, m.diagnose(ctx, tx, update)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM negotiation_records WHERE id = ?`, update.RecordID)
	updated, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("reload record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// diagnose explains why a conditional write matched no rows.
func (m *MySQLAdapter) diagnose(ctx context.Context, tx *sql.Tx, update port.StatusUpdate) error {
	var status string
	var acceptedID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT r.status, l.accepted_record_id
		FROM negotiation_records r
		JOIN negotiation_lineages l ON l.bid_id = r.bid_id
		WHERE r.id = ?`, update.RecordID,
	).Scan(&status, &acceptedID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("diagnose status update: %w", err)
	}
	if acceptedID.Valid && acceptedID.String != update.RecordID {
		return domain.ErrLineageLocked
	}
	if domain.RecordStatus(status) == domain.RecordStatusAccepted {
		return domain.ErrLineageLocked
	}
	return domain.ErrNotPending
}

func (m *MySQLAdapter) QueryByLineage(ctx context.Context, bidID string) ([]domain.Record, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM negotiation_records
		WHERE bid_id = ?
		ORDER BY created_at ASC, seq ASC`, bidID)
	if err != nil {
		return nil, fmt.Errorf("query lineage: %w", err)
	}
	return scanRecords(rows)
}

func (m *MySQLAdapter) QueryByProductAndCounterparty(ctx context.Context, productID, counterpartyID string, page domain.Page) ([]domain.Record, error) {
	page = page.Normalize()
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM negotiation_records
		WHERE product_id = ? AND counterparty_id = ?
		ORDER BY created_at ASC, seq ASC
		LIMIT ? OFFSET ?`, productID, counterpartyID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}
	return scanRecords(rows)
}

func (m *MySQLAdapter) QueryByActor(ctx context.Context, query port.RecordQuery) ([]domain.Record, error) {
	page := query.Page.Normalize()

	where := `(from_actor_id = ? OR to_actor_id = ?)`
	args := []any{query.ActorID, query.ActorID}
	if len(query.Statuses) > 0 {
		where += ` AND status IN (?` + strings.Repeat(`, ?`, len(query.Statuses)-1) + `)`
		for _, s := range query.Statuses {
			args = append(args, s)
		}
	}
	args = append(args, page.Limit, page.Offset)

	rows, err := m.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM negotiation_records
		WHERE `+where+`
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query actor records: %w", err)
	}
	return scanRecords(rows)
}

func (m *MySQLAdapter) SetOrderID(ctx context.Context, recordID, orderID string) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE negotiation_records
		SET order_id = ?
		WHERE id = ? AND status = ?`,
		orderID, recordID, domain.RecordStatusAccepted,
	)
	if err != nil {
		return fmt.Errorf("set order id: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := m.GetByID(ctx, recordID); err != nil {
			return err
		}
		// MySQL reports zero affected rows when the value is unchanged
		return nil
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.Record, error) {
	var (
		r            domain.Record
		prevAmount   decimal.NullDecimal
		prevCurrency sql.NullString
		quantity     sql.NullInt64
		message      sql.NullString
		response     sql.NullString
		orderID      sql.NullString
	)
	err := row.Scan(
		&r.Seq, &r.ID, &r.BidID, &r.ProductID,
		&r.FromActorID, &r.FromActorType, &r.ToActorID, &r.ToActorType,
		&r.OfferPrice.Amount, &r.OfferPrice.Currency, &prevAmount, &prevCurrency,
		&quantity, &message, &response, &r.Status, &orderID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if prevAmount.Valid {
		r.PreviousOfferPrice = &domain.Money{Amount: prevAmount.Decimal, Currency: prevCurrency.String}
	}
	if quantity.Valid {
		q := int(quantity.Int64)
		r.Quantity = &q
	}
	if orderID.Valid {
		r.OrderID = &orderID.String
	}
	r.Message = message.String
	r.ResponseMessage = response.String
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]domain.Record, error) {
	defer rows.Close()

	records := []domain.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
