package dispatch

import "github.com/loqalabs/loqa-barista/internal/agent"

func object(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

var (
	stringProp = map[string]any{"type": "string"}
	listProp   = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	indexProp  = map[string]any{"type": "integer", "minimum": 0, "description": "0-based position in the cart"}
)

func itemProps(withIndex bool) map[string]any {
	props := map[string]any{
		"drink":     map[string]any{"type": "string", "description": "taro milk tea | black milk tea"},
		"size":      map[string]any{"type": "string", "description": "S | M | L"},
		"toppings":  listProp,
		"addons":    listProp,
		"sweetness": map[string]any{"type": "string", "description": "0% | 25% | 50% | 75% | 100%"},
		"ice":       map[string]any{"type": "string", "description": "no ice | less ice | regular ice | extra ice"},
		"quantity":  map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
		"modifiers": map[string]any{"type": "array", "items": stringProp, "description": "free-form extras such as \"less ice\" or \"pudding\""},
	}
	if withIndex {
		props["index"] = indexProp
	}
	return props
}

// Functions lists the tool definitions advertised to the agent.
func Functions() []agent.Function {
	return []agent.Function{
		{Name: string(OpMenuSummary), Description: "Give a short menu overview: flavors, toppings and add-ons.", Parameters: object(map[string]any{})},
		{Name: string(OpAddItem), Description: "Add one drink line to the cart.", Parameters: object(itemProps(false), "drink")},
		{Name: string(OpRemoveItem), Description: "Remove a drink from the cart by index.", Parameters: object(map[string]any{"index": indexProp}, "index")},
		{Name: string(OpUpdateItem), Description: "Change fields of a drink already in the cart.", Parameters: object(itemProps(true), "index")},
		{Name: string(OpGetCart), Description: "Get the current cart to read back to the caller.", Parameters: object(map[string]any{})},
		{Name: string(OpFinalizeCart), Description: "The caller is done adding drinks. Read the cart back afterwards.", Parameters: object(map[string]any{})},
		{Name: string(OpReopenCart), Description: "The caller wants changes after the read-back.", Parameters: object(map[string]any{})},
		{Name: string(OpConfirmOrder), Description: "The caller confirmed the read-back. Ask for a phone number next.", Parameters: object(map[string]any{})},
		{Name: string(OpSetPhoneNumber), Description: "Place the order for pickup under this phone number and get the order number.", Parameters: object(map[string]any{"phone": stringProp}, "phone")},
		{Name: string(OpOrderStatus), Description: "Look up order status by order number or phone number.", Parameters: object(map[string]any{"phone": stringProp, "order_number": stringProp})},
	}
}
