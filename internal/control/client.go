package control

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client calls a control service.
type Client struct {
	status      *connect.Client[StatusRequest, StatusResponse]
	setState    *connect.Client[SetStateRequest, SetStateResponse]
	say         *connect.Client[SayRequest, SayResponse]
	hear        *connect.Client[HearRequest, HearResponse]
	setDisabled *connect.Client[SetDisabledRequest, SetDisabledResponse]
}

// NewClient creates a client for the service at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &Client{
		status:      connect.NewClient[StatusRequest, StatusResponse](httpClient, baseURL+StatusProcedure, opts...),
		setState:    connect.NewClient[SetStateRequest, SetStateResponse](httpClient, baseURL+SetStateProcedure, opts...),
		say:         connect.NewClient[SayRequest, SayResponse](httpClient, baseURL+SayProcedure, opts...),
		hear:        connect.NewClient[HearRequest, HearResponse](httpClient, baseURL+HearProcedure, opts...),
		setDisabled: connect.NewClient[SetDisabledRequest, SetDisabledResponse](httpClient, baseURL+SetDisabledProcedure, opts...),
	}
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	resp, err := c.status.CallUnary(ctx, connect.NewRequest(&StatusRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) SetState(ctx context.Context, state string) (*SetStateResponse, error) {
	resp, err := c.setState.CallUnary(ctx, connect.NewRequest(&SetStateRequest{State: state}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Say(ctx context.Context, req *SayRequest) error {
	_, err := c.say.CallUnary(ctx, connect.NewRequest(req))
	return err
}

func (c *Client) Hear(ctx context.Context, text string) (*HearResponse, error) {
	resp, err := c.hear.CallUnary(ctx, connect.NewRequest(&HearRequest{Text: text}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) SetDisabled(ctx context.Context, node string, disabled bool) error {
	_, err := c.setDisabled.CallUnary(ctx, connect.NewRequest(&SetDisabledRequest{Node: node, Disabled: disabled}))
	return err
}
