package network

import (
	"encoding/json"
	"fmt"

	"github.com/p2p-ai-agents/node/internal/protocol"
)

func marshalBody(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("network: marshal body: %w", err)
	}
	return data, nil
}

func decodeJoinHello(env protocol.Envelope) (protocol.JoinHelloBody, error) {
	var hello protocol.JoinHelloBody
	if err := json.Unmarshal(env.Body, &hello); err != nil {
		return protocol.JoinHelloBody{}, fmt.Errorf("network: decode join_hello: %w", err)
	}
	return hello, nil
}
