package container

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// hitlResponseChannel carries decisions submitted through the
// websocket gateway
const hitlResponseChannel = "hitl:responses"

type remoteHITLResponse struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	Value     any    `json:"value"`
	Message   string `json:"message"`
}

// StartHITLBridge applies gateway-submitted human decisions to parked
// executions in this process. It blocks until the context ends.
func (c *Container) StartHITLBridge(ctx context.Context) {
	log := c.Components.Logger
	pubsub := c.Components.Redis.Subscribe(ctx, hitlResponseChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		log.Error("hitl bridge subscription failed", "error", err)
		return
	}
	log.Info("hitl bridge started", "channel", hitlResponseChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-ch:
			if msg == nil {
				continue
			}
			var resp remoteHITLResponse
			if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
				log.Warn("malformed hitl response", "error", err)
				continue
			}
			requestID, err := uuid.Parse(resp.RequestID)
			if err != nil {
				log.Warn("hitl response with invalid request id", "request_id", resp.RequestID)
				continue
			}
			if _, err := c.Orchestrator.RespondToHITL(ctx, resp.UserID, requestID, resp.Action, resp.Value, resp.Message); err != nil {
				// losing the race against a direct API response is normal
				log.Debug("hitl response not applied", "request_id", requestID, "reason", err)
			}
		}
	}
}
