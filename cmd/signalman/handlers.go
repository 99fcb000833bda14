package main

import (
	"context"
	"time"

	"github.com/relaysignal/signalman/internal/app"
	"github.com/relaysignal/signalman/internal/handler"
	"github.com/relaysignal/signalman/internal/message"
)

// registerHandlers installs the one named handler this binary ships:
// "realtime-bridge", the consumer-side half of the fan-out loop, which
// takes broker-delivered events and rebroadcasts them to every WebSocket
// subscriber of the same channel name. Grounded on
// api_realtime/cmd/signalman/main.go's analyticsHandler/serviceHandler,
// generalized from two hardcoded Kafka topics and a proto channel enum
// into a single name-preserving bridge over internal/channel.Manager.
func registerHandlers(ctx *app.Context) {
	ctx.Handlers.Register(handler.Handler{
		Name:     "realtime-bridge",
		Channels: ctx.Config.Broker.Topics,
		HandleBatch: func(ctx2 context.Context, msgs []message.Message, hctx handler.Context) []handler.FailedMessage {
			for i := range msgs {
				msg := msgs[i]
				if msg.Timestamp.IsZero() {
					msg.Timestamp = time.Now()
				}
				ctx.Channels.Broadcast(msg.Channel, &msg, "")
			}
			return nil
		},
		OnFailed: func(msg message.Message, err error, hctx handler.Context) {
			ctx.Logger.WithError(err).WithField("channel", msg.Channel).Warn("realtime-bridge: failed to broadcast message")
		},
	})
}
