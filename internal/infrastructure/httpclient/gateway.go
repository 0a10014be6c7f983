package httpclient

import (
	"context"

	dompay "github.com/Zhima-Mochi/macguffin-orders/internal/domain/payment"
)

// PaymentGateway posts payment requests to a fixed endpoint.
type PaymentGateway struct {
	client *Client
	url    string
}

var _ dompay.Gateway = (*PaymentGateway)(nil)

func NewPaymentGateway(client *Client, url string) *PaymentGateway {
	return &PaymentGateway{client: client, url: url}
}

func (g *PaymentGateway) Pay(ctx context.Context, body []byte) (dompay.Response, error) {
	resp, err := g.client.Post(ctx, g.url, body)
	return dompay.Response{Status: resp.Status, Body: resp.Body}, err
}
