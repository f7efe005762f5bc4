package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medmart/marketplace/internal/platform/db"
)

// ChangesChannel is the NOTIFY channel the order table triggers publish on.
const ChangesChannel = "order_changes"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgTable struct {
	orders string
	items  string
	cols   string
}

const baseCols = `id, order_number, user_id, status, payment_status, total_amount,
	status_message, created_at, updated_at`

var pgTables = map[Kind]pgTable{
	KindMedication: {
		orders: "medication_orders",
		items:  "medication_order_items",
		cols: baseCols + `, customer_name, delivery_address, delivery_phone,
	tracking_number, estimated_delivery_date, actual_delivery_date`,
	},
	KindLabTest: {
		orders: "lab_test_orders",
		items:  "lab_test_order_items",
		cols: baseCols + `, patient_name, collection_phone, collection_address,
	collection_date, collection_time`,
	},
}

const itemCols = `id, order_id, product_reference, product_name, quantity, unit_price`

type orderRepoPG struct {
	pool     *pgxpool.Pool
	listener *db.Listener
	logger   zerolog.Logger
}

// NewOrderRepoPG returns a Repository backed by PostgreSQL. listener feeds
// Subscribe; it must be listening on ChangesChannel.
func NewOrderRepoPG(pool *pgxpool.Pool, listener *db.Listener, logger zerolog.Logger) Repository {
	return &orderRepoPG{pool: pool, listener: listener, logger: logger}
}

func (r *orderRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func tableFor(kind Kind) (pgTable, error) {
	t, ok := pgTables[kind]
	if !ok {
		return pgTable{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown order type %q", kind)}
	}
	return t, nil
}

func scanOrder(kind Kind, row pgx.Row) (Order, error) {
	switch kind {
	case KindMedication:
		var o MedicationOrder
		err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.PaymentStatus, &o.TotalAmount,
			&o.StatusMessage, &o.CreatedAt, &o.UpdatedAt,
			&o.CustomerName, &o.DeliveryAddress, &o.DeliveryPhone,
			&o.TrackingNumber, &o.EstimatedDeliveryDate, &o.ActualDeliveryDate)
		return &o, err
	case KindLabTest:
		var o LabTestOrder
		err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.PaymentStatus, &o.TotalAmount,
			&o.StatusMessage, &o.CreatedAt, &o.UpdatedAt,
			&o.PatientName, &o.CollectionPhone, &o.CollectionAddress,
			&o.CollectionDate, &o.CollectionTime)
		return &o, err
	}
	return nil, fmt.Errorf("scan order: unknown kind %q", kind)
}

func setItems(o Order, items []Item) {
	switch v := o.(type) {
	case *MedicationOrder:
		v.LineItems = items
	case *LabTestOrder:
		v.LineItems = items
	}
}

func (r *orderRepoPG) Create(ctx context.Context, o Order) error {
	t, err := tableFor(o.Kind())
	if err != nil {
		return err
	}

	err = db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		b := o.Common()
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
		if b.OrderNumber == "" {
			num, err := r.nextOrderNumber(ctx, o.Kind(), time.Now().UTC())
			if err != nil {
				return err
			}
			b.OrderNumber = num
		}

		if err := r.insertOrder(ctx, t, o); err != nil {
			return err
		}

		assignItemIDs(o)
		for _, it := range o.Items() {
			if _, err := r.conn(ctx).Exec(ctx, `INSERT INTO `+t.items+` (`+itemCols+`)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				it.ID, it.OrderID, it.ProductReference, it.ProductName, it.Quantity, it.UnitPrice); err != nil {
				return fmt.Errorf("insert item: %w", err)
			}
		}
		return nil
	})
	return classify("create order", err)
}

// nextOrderNumber bumps the per-day counter for kind's prefix.
func (r *orderRepoPG) nextOrderNumber(ctx context.Context, kind Kind, now time.Time) (string, error) {
	var seq int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO order_number_seq (prefix, day, last_seq) VALUES ($1, $2, 1)
		ON CONFLICT (prefix, day) DO UPDATE SET last_seq = order_number_seq.last_seq + 1
		RETURNING last_seq`,
		numberPrefix(kind), DateOf(now)).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}
	return FormatOrderNumber(kind, now, seq), nil
}

func (r *orderRepoPG) insertOrder(ctx context.Context, t pgTable, o Order) error {
	b := o.Common()
	var row pgx.Row
	switch v := o.(type) {
	case *MedicationOrder:
		row = r.conn(ctx).QueryRow(ctx, `
			INSERT INTO `+t.orders+` (id, order_number, user_id, status, payment_status, total_amount,
				status_message, customer_name, delivery_address, delivery_phone,
				tracking_number, estimated_delivery_date, actual_delivery_date)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			RETURNING created_at, updated_at`,
			b.ID, b.OrderNumber, b.UserID, b.Status, b.PaymentStatus, b.TotalAmount,
			b.StatusMessage, v.CustomerName, v.DeliveryAddress, v.DeliveryPhone,
			v.TrackingNumber, v.EstimatedDeliveryDate, v.ActualDeliveryDate)
	case *LabTestOrder:
		row = r.conn(ctx).QueryRow(ctx, `
			INSERT INTO `+t.orders+` (id, order_number, user_id, status, payment_status, total_amount,
				status_message, patient_name, collection_phone, collection_address,
				collection_date, collection_time)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			RETURNING created_at, updated_at`,
			b.ID, b.OrderNumber, b.UserID, b.Status, b.PaymentStatus, b.TotalAmount,
			b.StatusMessage, v.PatientName, v.CollectionPhone, v.CollectionAddress,
			v.CollectionDate, v.CollectionTime)
	default:
		return fmt.Errorf("insert order: unsupported %T", o)
	}
	if err := row.Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepoPG) List(ctx context.Context, kind Kind) ([]Order, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+t.cols+` FROM `+t.orders+` ORDER BY created_at DESC, order_number`)
	if err != nil {
		return nil, classify("list orders", err)
	}
	defer rows.Close()

	var orders []Order
	byID := make(map[uuid.UUID]Order)
	var ids []uuid.UUID
	for rows.Next() {
		o, err := scanOrder(kind, rows)
		if err != nil {
			return nil, classify("scan order", err)
		}
		orders = append(orders, o)
		byID[o.Common().ID] = o
		ids = append(ids, o.Common().ID)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list orders", err)
	}
	if len(ids) == 0 {
		return orders, nil
	}

	items, err := r.loadItems(ctx, t, ids)
	if err != nil {
		return nil, err
	}
	for id, its := range items {
		if o, ok := byID[id]; ok {
			setItems(o, its)
		}
	}
	return orders, nil
}

func (r *orderRepoPG) loadItems(ctx context.Context, t pgTable, ids []uuid.UUID) (map[uuid.UUID][]Item, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+` FROM `+t.items+` WHERE order_id = ANY($1) ORDER BY product_reference, id`, ids)
	if err != nil {
		return nil, classify("load items", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]Item)
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductReference, &it.ProductName, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, classify("scan item", err)
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load items", err)
	}
	return out, nil
}

func (r *orderRepoPG) Get(ctx context.Context, kind Kind, id uuid.UUID) (Order, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	o, err := scanOrder(kind, r.conn(ctx).QueryRow(ctx, `SELECT `+t.cols+` FROM `+t.orders+` WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get order", err)
	}
	items, err := r.loadItems(ctx, t, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	setItems(o, items[id])
	return o, nil
}

func (r *orderRepoPG) UpdateStatus(ctx context.Context, kind Kind, id uuid.UUID, status Status, message *string) (Order, error) {
	return r.UpdateFields(ctx, kind, id, Patch{Status: &status, StatusMessage: message})
}

// UpdateFields persists p with a single UPDATE so the status, its fields and
// updated_at change together or not at all.
func (r *orderRepoPG) UpdateFields(ctx context.Context, kind Kind, id uuid.UUID, p Patch) (Order, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	args := []interface{}{id, p.ExpectedUpdatedAt, p.Status, p.PaymentStatus, p.StatusMessage}
	var kindSet string
	switch kind {
	case KindMedication:
		kindSet = `tracking_number = COALESCE($6, tracking_number),
			estimated_delivery_date = COALESCE($7, estimated_delivery_date),
			actual_delivery_date = COALESCE($8, actual_delivery_date),`
		args = append(args, p.TrackingNumber, p.EstimatedDeliveryDate, p.ActualDeliveryDate)
	case KindLabTest:
		kindSet = `collection_date = COALESCE($6, collection_date),
			collection_time = COALESCE($7, collection_time),`
		args = append(args, p.CollectionDate, p.CollectionTime)
	}

	o, err := scanOrder(kind, r.conn(ctx).QueryRow(ctx, `
		UPDATE `+t.orders+` SET
			status = COALESCE($3, status),
			payment_status = COALESCE($4, payment_status),
			status_message = COALESCE($5, status_message),
			`+kindSet+`
			updated_at = GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')
		WHERE id = $1 AND ($2::timestamptz IS NULL OR updated_at = $2)
		RETURNING `+t.cols, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.Get(ctx, kind, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &ConflictError{OrderID: id, Current: current}
	}
	if err != nil {
		return nil, classify("update order", err)
	}

	items, err := r.loadItems(ctx, t, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	setItems(o, items[id])
	return o, nil
}

func (r *orderRepoPG) Subscribe(ctx context.Context, kind Kind) (<-chan ChangeEvent, func(), error) {
	if r.listener == nil {
		return nil, nil, errors.New("subscribe: no change listener configured")
	}
	if _, err := tableFor(kind); err != nil {
		return nil, nil, err
	}

	payloads, stopListen := r.listener.Subscribe()
	out := make(chan ChangeEvent, subscriberBuffer)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer stopListen()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-payloads:
				if !ok {
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(payload), &ev); err != nil {
					r.logger.Warn().Err(err).Str("payload", payload).Msg("malformed order change notification")
					continue
				}
				if ev.Kind != kind {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}

// classify maps driver errors onto the repository error contract. Server-side
// errors stay plain; failures to reach the server become *TransportError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve  *ValidationError
		pge *pgconn.PgError
		ce  *pgconn.ConnectError
		ne  net.Error
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case errors.As(err, &ve):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.As(err, &pge):
		return fmt.Errorf("%s: %w", op, err)
	case errors.As(err, &ce), errors.As(err, &ne), errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, db.ErrNoPool),
		pgconn.SafeToRetry(err), pgconn.Timeout(err):
		return &TransportError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
