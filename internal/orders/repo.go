package orders

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrOrderNotFound   = errors.New("order not found")
)

// Repo reads the catalog and writes order rows. Every method runs on the
// connection or transaction it is given.
type Repo struct{}

func (Repo) FindProduct(ctx context.Context, q postgres.Querier, id int64) (Product, error) {
	var (
		p     Product
		price string
	)
	err := q.QueryRow(ctx, `SELECT id, name, price::text, stock_quantity FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &price, &p.StockQuantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, errors.Wrapf(err, "find product %d", id)
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return Product{}, errors.Wrapf(err, "product %d price", id)
	}
	return p, nil
}

// InsertOrder stores o and fills in its ID and CreatedAt.
func (Repo) InsertOrder(ctx context.Context, q postgres.Querier, o *Order) error {
	err := q.QueryRow(ctx, `
		INSERT INTO orders(user_id, product_id, quantity, unit_price, status)
		VALUES ($1, $2, $3, $4::numeric, $5)
		RETURNING id, created_at`,
		o.UserID, o.ProductID, o.Quantity, o.UnitPrice.String(), string(o.Status),
	).Scan(&o.ID, &o.CreatedAt)
	return errors.Wrap(err, "insert order")
}

func (Repo) GetOrder(ctx context.Context, q postgres.Querier, id int64) (Order, error) {
	var (
		o      Order
		price  string
		status string
	)
	err := q.QueryRow(ctx, `
		SELECT id, user_id, product_id, quantity, unit_price::text, status, created_at
		FROM orders WHERE id=$1`, id).
		Scan(&o.ID, &o.UserID, &o.ProductID, &o.Quantity, &price, &status, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, errors.Wrapf(err, "get order %d", id)
	}
	if o.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return Order{}, errors.Wrapf(err, "order %d price", id)
	}
	o.Status = Status(status)
	return o, nil
}
