package payment

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrInvalidRequest = errors.New("payment: request must carry customerId and quantity")

// Request is the queued payment request: the order payload as it was inserted.
type Request struct {
	CustomerID string
	Quantity   int64
	Payload    map[string]any
}

func (r Request) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(r.Payload)+2)
	for k, v := range r.Payload {
		body[k] = v
	}
	body["customerId"] = r.CustomerID
	body["quantity"] = r.Quantity
	return json.Marshal(body)
}

func (r *Request) UnmarshalJSON(b []byte) error {
	var body map[string]any
	if err := json.Unmarshal(b, &body); err != nil {
		return err
	}
	id, _ := body["customerId"].(string)
	qty, _ := body["quantity"].(float64)
	if id == "" || qty <= 0 {
		return ErrInvalidRequest
	}
	r.CustomerID = id
	r.Quantity = int64(qty)
	r.Payload = body
	return nil
}

// Response is the payment endpoint's reply.
type Response struct {
	Status int
	Body   []byte
}

func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Gateway invokes the external payment endpoint.
type Gateway interface {
	Pay(ctx context.Context, body []byte) (Response, error)
}
