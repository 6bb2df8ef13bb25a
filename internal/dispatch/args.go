package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-barista/internal/orders"
)

type addItemArgs struct {
	Drink     string   `json:"drink"`
	Size      string   `json:"size"`
	Toppings  []string `json:"toppings"`
	AddOns    []string `json:"addons"`
	Sweetness string   `json:"sweetness"`
	Ice       string   `json:"ice"`
	Quantity  int      `json:"quantity"`
	Modifiers []string `json:"modifiers"`
}

type removeItemArgs struct {
	Index *int `json:"index"`
}

type updateItemArgs struct {
	Index     *int      `json:"index"`
	Drink     *string   `json:"drink"`
	Size      *string   `json:"size"`
	Toppings  *[]string `json:"toppings"`
	AddOns    *[]string `json:"addons"`
	Sweetness *string   `json:"sweetness"`
	Ice       *string   `json:"ice"`
	Quantity  *int      `json:"quantity"`
	Modifiers []string  `json:"modifiers"`
}

type setPhoneArgs struct {
	Phone string `json:"phone"`
}

type orderStatusArgs struct {
	Phone       string      `json:"phone"`
	OrderNumber json.Number `json:"order_number"`
}

type noArgs struct{}

// decodeArgs decodes a JSON object into v, rejecting unknown fields.
// Empty input is treated as {}.
func decodeArgs(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		raw = "{}"
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: bad arguments: %v", orders.ErrValidation, err)
	}
	return nil
}

// applyModifiers folds free-form modifiers into item.
func applyModifiers(menu orders.Menu, item *orders.CartItem, mods []string) error {
	for _, mod := range mods {
		if strings.TrimSpace(mod) == "" {
			continue
		}
		kind, value, err := menu.ClassifyModifier(mod)
		if err != nil {
			return err
		}
		switch kind {
		case "topping":
			item.Toppings = append(item.Toppings, value)
		case "addon":
			item.AddOns = append(item.AddOns, value)
		case "sweetness":
			item.Sweetness = value
		case "ice":
			item.Ice = value
		}
	}
	return nil
}

func (a addItemArgs) item(menu orders.Menu) (orders.CartItem, error) {
	item := orders.CartItem{
		Drink:     a.Drink,
		Size:      a.Size,
		Toppings:  append([]string(nil), a.Toppings...),
		AddOns:    append([]string(nil), a.AddOns...),
		Sweetness: a.Sweetness,
		Ice:       a.Ice,
		Quantity:  a.Quantity,
	}
	if err := applyModifiers(menu, &item, a.Modifiers); err != nil {
		return orders.CartItem{}, err
	}
	return menu.Normalize(item)
}

func (a updateItemArgs) apply(menu orders.Menu, item orders.CartItem) (orders.CartItem, error) {
	if a.Drink != nil {
		item.Drink = *a.Drink
	}
	if a.Size != nil {
		item.Size = *a.Size
	}
	if a.Toppings != nil {
		item.Toppings = append([]string(nil), (*a.Toppings)...)
	}
	if a.AddOns != nil {
		item.AddOns = append([]string(nil), (*a.AddOns)...)
	}
	if a.Sweetness != nil {
		item.Sweetness = *a.Sweetness
	}
	if a.Ice != nil {
		item.Ice = *a.Ice
	}
	if a.Quantity != nil {
		item.Quantity = *a.Quantity
		if item.Quantity == 0 {
			return orders.CartItem{}, fmt.Errorf("%w: quantity must be at least 1, use remove_item to drop a drink", orders.ErrValidation)
		}
	}
	if err := applyModifiers(menu, &item, a.Modifiers); err != nil {
		return orders.CartItem{}, err
	}
	return menu.Normalize(item)
}
