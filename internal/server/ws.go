package server

import (
	"context"
	"encoding/json"

	"github.com/gofiber/contrib/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"crashout/internal/game"
)

// wsHandler processes one inbound message kind for one client.
type wsHandler func(s *FiberServer, client *game.Client, raw json.RawMessage)

// wsDispatch routes inbound messages by their type tag. All real-time
// request kinds live here rather than in scattered per-event handlers.
var wsDispatch = map[string]wsHandler{
	"place_bet": (*FiberServer).wsPlaceBet,
	"cashout":   (*FiberServer).wsCashout,
	"ping":      (*FiberServer).wsPing,
}

type wsEnvelope struct {
	Type string `json:"type"`
}

func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	username := conn.Query("username", "anonymous")

	client := s.hub.RegisterClient(conn, username)
	defer s.hub.UnregisterClient(client)

	// New sessions get the live round immediately.
	if state := s.scheduler.CurrentRound(); state != nil {
		client.Send(game.Event{Type: "initial_state", Data: state})
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			logrus.WithError(err).WithField("username", username).Debug("ws read closed")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var envelope wsEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			client.Send(game.Event{Type: game.EventError, Data: game.ErrorPayload{Msg: "malformed message"}})
			continue
		}

		handler, ok := wsDispatch[envelope.Type]
		if !ok {
			client.Send(game.Event{Type: game.EventError, Data: game.ErrorPayload{Msg: "unknown message type"}})
			continue
		}
		handler(s, client, message)
	}
}

type wsBetMessage struct {
	Username  string          `json:"username"`
	USDAmount decimal.Decimal `json:"usd_amount"`
	Currency  string          `json:"currency"`
}

func (s *FiberServer) wsPlaceBet(client *game.Client, raw json.RawMessage) {
	var msg wsBetMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		client.Send(game.Event{Type: game.EventBetError, Data: game.ErrorPayload{Msg: "malformed bet"}})
		return
	}
	if msg.Username == "" {
		msg.Username = client.Username()
	}

	ctx, cancel := context.WithTimeout(context.Background(), game.BET_TIMEOUT)
	defer cancel()

	res := s.placeBet(ctx, betBody{
		Username:  msg.Username,
		USDAmount: msg.USDAmount,
		Currency:  msg.Currency,
	})
	if res.Err != nil {
		client.Send(game.Event{Type: game.EventBetError, Data: game.ErrorPayload{Msg: res.Err.Error()}})
		return
	}
	client.Send(game.Event{Type: game.EventBetPlaced, Data: res})
}

type wsCashoutMessage struct {
	Username string `json:"username"`
}

func (s *FiberServer) wsCashout(client *game.Client, raw json.RawMessage) {
	var msg wsCashoutMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		client.Send(game.Event{Type: game.EventError, Data: game.ErrorPayload{Msg: "malformed cashout"}})
		return
	}
	if msg.Username == "" {
		msg.Username = client.Username()
	}

	res := s.scheduler.Cashout(game.CashoutRequest{Username: msg.Username})
	if res.Err != nil {
		client.Send(game.Event{Type: game.EventError, Data: game.ErrorPayload{Msg: res.Err.Error()}})
		return
	}
	// The win itself goes out as a player_cashout broadcast; the unicast
	// just acknowledges this client's request.
	client.Send(game.Event{Type: game.EventPlayerCashout, Data: game.PlayerCashoutPayload{
		Username:      res.Username,
		Currency:      res.Currency,
		PayoutCrypto:  res.PayoutCrypto,
		USDEquivalent: res.USDEquivalent,
		Multiplier:    res.Multiplier,
	}})
}

func (s *FiberServer) wsPing(client *game.Client, _ json.RawMessage) {
	client.Send(game.Event{Type: "pong"})
}
