package orders

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/negotiation/internal/adapter/rpc"
)

const createFromNegotiationMethod = "/orders.OrderService/CreateFromNegotiation"

type createOrderRequest struct {
	NegotiationID string `json:"negotiation_id"`
}

type createOrderResponse struct {
	OrderID string `json:"order_id"`
}

// GRPCClient calls the external order service.
type GRPCClient struct {
	conn *grpc.ClientConn
}

func NewGRPCClient(target string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rpc.JSONCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial order service: %w", err)
	}
	return &GRPCClient{conn: conn}, nil
}

// CreateOrderFromAcceptedNegotiation is idempotent on the order service side
// for a given negotiation id.
func (c *GRPCClient) CreateOrderFromAcceptedNegotiation(ctx context.Context, recordID string) (string, error) {
	var resp createOrderResponse
	err := c.conn.Invoke(ctx, createFromNegotiationMethod, &createOrderRequest{NegotiationID: recordID}, &resp)
	if err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", errors.New("order service returned empty order id")
	}
	return resp.OrderID, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
