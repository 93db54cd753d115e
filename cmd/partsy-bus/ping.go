package main

import (
	"context"
	"os"
	"time"

	"github.com/inarithefox/partsy-bus/contracts"
)

// PingRequest is the request the CLI sends and serves
type PingRequest struct {
	contracts.BaseRequest
	Message string `json:"message"`
}

// PingResponse answers a PingRequest
type PingResponse struct {
	Message  string    `json:"message"`
	Host     string    `json:"host"`
	Received time.Time `json:"received"`
}

type pingHandler struct{}

func (pingHandler) Handle(_ context.Context, req PingRequest) (PingResponse, error) {
	host, _ := os.Hostname()
	return PingResponse{
		Message:  req.Message,
		Host:     host,
		Received: time.Now().UTC(),
	}, nil
}

func newPing(message string) *PingRequest {
	return &PingRequest{
		BaseRequest: contracts.NewBaseRequest(),
		Message:     message,
	}
}
