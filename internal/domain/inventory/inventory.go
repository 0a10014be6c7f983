package inventory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
)

var (
	ErrNotFound        = errors.New("inventory: item not found")
	ErrInvalidQuantity = errors.New("inventory: quantity must be zero or greater")
	ErrInvalidRecord   = errors.New("inventory: record is not an inventory item")
)

const (
	PKPrefix = "INVENTORY#"
	SKPrefix = "MODEL#"

	AttrQuantity    = "quantity"
	AttrModel       = "model"
	AttrProductName = "productName"

	DefaultItem        = "MACGUFFIN"
	DefaultModel       = "LX"
	DefaultProductName = "MacGuffin"
	DefaultQuantity    = 1000000
)

// Item is the inventory record for one product model.
type Item struct {
	Name        string
	Model       string
	ProductName string
	Quantity    int64
}

// Key returns the store key of the inventory record for item/model.
func Key(item, model string) store.Key {
	return store.Key{
		PK: PKPrefix + strings.ToUpper(item),
		SK: SKPrefix + strings.ToUpper(model),
	}
}

func NewItem(name, model, productName string, quantity int64) (*Item, error) {
	if quantity < 0 {
		return nil, ErrInvalidQuantity
	}
	return &Item{
		Name:        strings.ToUpper(name),
		Model:       strings.ToUpper(model),
		ProductName: productName,
		Quantity:    quantity,
	}, nil
}

// Seed is the record created at startup when the table holds no inventory yet.
func Seed(quantity int64) *Item {
	return &Item{
		Name:        DefaultItem,
		Model:       DefaultModel,
		ProductName: DefaultProductName,
		Quantity:    quantity,
	}
}

func (i *Item) Key() store.Key { return Key(i.Name, i.Model) }

func (i *Item) Record() store.Record {
	k := i.Key()
	return store.Record{
		store.AttrPK:    k.PK,
		store.AttrSK:    k.SK,
		AttrModel:       i.Model,
		AttrProductName: i.ProductName,
		AttrQuantity:    i.Quantity,
	}
}

// IsInventoryKey reports whether pk names an inventory partition.
func IsInventoryKey(pk string) bool { return strings.HasPrefix(pk, PKPrefix) }

func FromRecord(r store.Record) (*Item, error) {
	k := r.Key()
	if !IsInventoryKey(k.PK) || !strings.HasPrefix(k.SK, SKPrefix) {
		return nil, fmt.Errorf("%w: key %s", ErrInvalidRecord, k)
	}
	qty, ok := r.Int(AttrQuantity)
	if !ok {
		return nil, fmt.Errorf("%w: missing quantity", ErrInvalidRecord)
	}
	if qty < 0 {
		return nil, ErrInvalidQuantity
	}
	model, _ := r.String(AttrModel)
	if model == "" {
		model = strings.TrimPrefix(k.SK, SKPrefix)
	}
	name, _ := r.String(AttrProductName)
	return &Item{
		Name:        strings.TrimPrefix(k.PK, PKPrefix),
		Model:       model,
		ProductName: name,
		Quantity:    qty,
	}, nil
}
