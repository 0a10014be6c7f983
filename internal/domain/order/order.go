package order

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/inventory"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
)

var (
	ErrInvalidCustomer = errors.New("order: customer id is required")
	ErrInvalidQuantity = errors.New("order: quantity must be greater than zero")
	ErrInvalidRecord   = errors.New("order: record is not an order")
)

const (
	PKPrefix = "CUSTOMER#"
	SKPrefix = "TIMESTAMP#"

	AttrCustomerID = "customerId"
	AttrQuantity   = "quantity"
	AttrStatus     = "status"
	AttrTimestamp  = "timestamp"
	AttrItem       = "item"
	AttrModel      = "model"
	AttrReason     = "failureReason"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

// Order is an insert-only order record keyed by customer and creation time.
type Order struct {
	CustomerID    string
	Quantity      int64
	Status        Status
	Timestamp     time.Time
	Item          string
	Model         string
	FailureReason string
}

func New(customerID string, quantity int64, now time.Time) (*Order, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, ErrInvalidCustomer
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	return &Order{
		CustomerID: customerID,
		Quantity:   quantity,
		Status:     StatusPending,
		Timestamp:  now.UTC(),
	}, nil
}

func (o *Order) Key() store.Key {
	return store.Key{
		PK: PKPrefix + o.CustomerID,
		SK: SKPrefix + strconv.FormatInt(o.Timestamp.UnixMilli(), 10),
	}
}

// InventoryKey selects the inventory record the order draws from, falling back to def.
func (o *Order) InventoryKey(def store.Key) store.Key {
	if o.Item == "" || o.Model == "" {
		return def
	}
	return inventory.Key(o.Item, o.Model)
}

func (o *Order) Record() store.Record {
	k := o.Key()
	r := store.Record{
		store.AttrPK:   k.PK,
		store.AttrSK:   k.SK,
		AttrCustomerID: o.CustomerID,
		AttrQuantity:   o.Quantity,
		AttrStatus:     string(o.Status),
		AttrTimestamp:  o.Timestamp.UnixMilli(),
	}
	if o.Item != "" {
		r[AttrItem] = o.Item
	}
	if o.Model != "" {
		r[AttrModel] = o.Model
	}
	if o.FailureReason != "" {
		r[AttrReason] = o.FailureReason
	}
	return r
}

// IsOrderKey reports whether pk names a customer order partition.
func IsOrderKey(pk string) bool { return strings.HasPrefix(pk, PKPrefix) }

func FromRecord(r store.Record) (*Order, error) {
	k := r.Key()
	if !IsOrderKey(k.PK) || !strings.HasPrefix(k.SK, SKPrefix) {
		return nil, fmt.Errorf("%w: key %s", ErrInvalidRecord, k)
	}
	ms, err := strconv.ParseInt(strings.TrimPrefix(k.SK, SKPrefix), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: sort key %q", ErrInvalidRecord, k.SK)
	}
	customerID, _ := r.String(AttrCustomerID)
	if customerID == "" {
		customerID = strings.TrimPrefix(k.PK, PKPrefix)
	}
	qty, ok := r.Int(AttrQuantity)
	if !ok || qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	status, _ := r.String(AttrStatus)
	if status == "" {
		status = string(StatusPending)
	}
	o := &Order{
		CustomerID: customerID,
		Quantity:   qty,
		Status:     Status(status),
		Timestamp:  time.UnixMilli(ms).UTC(),
	}
	o.Item, _ = r.String(AttrItem)
	o.Model, _ = r.String(AttrModel)
	o.FailureReason, _ = r.String(AttrReason)
	return o, nil
}
