package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tillworks/tillsync/internal/event"
	"github.com/tillworks/tillsync/internal/order"
)

const orderColumns = `id, status, table_id, guest_id, reservation_id, items,
	subtotal_cents, discount_cents, tax_cents, tronc_cents, total_cents,
	created_by_event_id, updated_by_event_id, opened_at, closed_at, voided_at`

// GetOrder returns the projected order with the given entity id, or
// ErrNotFound. The returned value is read-only for callers: orders mutate
// only through event application.
func (s *Store) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListOrders returns all projected orders, oldest first.
func (s *Store) ListOrders(ctx context.Context) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		ORDER BY opened_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []order.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

// getOrderTx loads an order inside an open transaction. Returns (nil, nil)
// when no order exists; the projection treats that as "create".
func getOrderTx(tx *sql.Tx, id string) (*order.Order, error) {
	o, err := scanOrder(tx.QueryRow(`
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	return o, nil
}

// upsertOrderTx writes the projected order state inside an open transaction.
func upsertOrderTx(tx *sql.Tx, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal order items: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO orders
		(`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			table_id = excluded.table_id,
			guest_id = excluded.guest_id,
			reservation_id = excluded.reservation_id,
			items = excluded.items,
			subtotal_cents = excluded.subtotal_cents,
			discount_cents = excluded.discount_cents,
			tax_cents = excluded.tax_cents,
			tronc_cents = excluded.tronc_cents,
			total_cents = excluded.total_cents,
			updated_by_event_id = excluded.updated_by_event_id,
			closed_at = excluded.closed_at,
			voided_at = excluded.voided_at
	`,
		o.ID,
		string(o.Status),
		o.TableID,
		o.GuestID,
		o.ReservationID,
		string(items),
		o.SubtotalCents,
		o.DiscountCents,
		o.TaxCents,
		o.TroncCents,
		o.TotalCents,
		o.CreatedByEventID,
		o.UpdatedByEventID,
		timeToDB(o.OpenedAt),
		nullTimeToDB(o.ClosedAt),
		nullTimeToDB(o.VoidedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ID, err)
	}
	return nil
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var (
		o                  order.Order
		status             string
		items              string
		openedAt           string
		closedAt, voidedAt sql.NullString
	)
	err := row.Scan(
		&o.ID,
		&status,
		&o.TableID,
		&o.GuestID,
		&o.ReservationID,
		&items,
		&o.SubtotalCents,
		&o.DiscountCents,
		&o.TaxCents,
		&o.TroncCents,
		&o.TotalCents,
		&o.CreatedByEventID,
		&o.UpdatedByEventID,
		&openedAt,
		&closedAt,
		&voidedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = order.Status(status)
	o.Items = []event.LineItem{}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	if o.OpenedAt, err = timeFromDB(openedAt); err != nil {
		return nil, err
	}
	if o.ClosedAt, err = nullTimeFromDB(closedAt); err != nil {
		return nil, err
	}
	if o.VoidedAt, err = nullTimeFromDB(voidedAt); err != nil {
		return nil, err
	}
	return &o, nil
}
