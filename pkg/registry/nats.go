package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukex/orchestra/pkg/protocol"
	"github.com/nats-io/nats.go"
)

const NATSTransportName = "nats"

// NATSTransport sends a request on {address}.{action} and waits for the reply. The
// endpoint address is the component's subject prefix.
type NATSTransport struct {
	conn *nats.Conn
}

func NewNATSTransport(conn *nats.Conn) *NATSTransport {
	return &NATSTransport{conn: conn}
}

func (t *NATSTransport) Name() string {
	return NATSTransportName
}

func (t *NATSTransport) Invoke(ctx context.Context, endpoint protocol.Endpoint, action string, input map[string]any) (any, error) {
	data, err := json.Marshal(protocol.Request{Action: action, Input: input})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	subject := endpoint.Address
	if subject == "" {
		subject = endpoint.Component
	}

	subject = subject + "." + action

	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("requesting %s: %w", subject, err)
	}

	return decodeResponse(endpoint.Component, action, 200, msg.Data)
}

// Serve answers requests for a local component over NATS so other processes can reach
// it through a NATSTransport. The returned subscription stops serving when drained.
func Serve(conn *nats.Conn, prefix string, component protocol.LocalComponent) (*nats.Subscription, error) {
	actions := component.Actions()

	return conn.Subscribe(prefix+".*", func(msg *nats.Msg) {
		var req protocol.Request

		response := protocol.Response{}

		if err := json.Unmarshal(msg.Data, &req); err != nil {
			response.Error = &protocol.RemoteError{Code: "invalid_request", Message: err.Error()}
		} else if fn, ok := actions[req.Action]; !ok {
			response.Error = &protocol.RemoteError{Code: "unknown_action", Message: req.Action}
		} else if output, err := fn(context.Background(), req.Input); err != nil {
			response.Error = &protocol.RemoteError{Code: "action_failed", Message: err.Error()}
		} else {
			response.Output = output
		}

		data, _ := json.Marshal(response)
		_ = msg.Respond(data)
	})
}
