package server

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/shopspring/decimal"

	"crashout/internal/game"
	"crashout/internal/wallet"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/game/state", s.gameStateHandler)
	api.Get("/game/history", s.gameHistoryHandler)
	api.Get("/game/verify", s.verifyRoundHandler)
	api.Post("/game/bet", s.placeBetHandler)
	api.Post("/game/cashout", s.cashoutHandler)
	api.Get("/player/:username", s.playerHandler)
	api.Get("/player/:username/transactions", s.playerTransactionsHandler)

	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"database": s.db.Health(),
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.ClientCount(),
		},
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

// statusForError maps the error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case game.IsValidation(err), errors.Is(err, wallet.ErrInsufficientBalance):
		return fiber.StatusBadRequest
	case game.IsConflict(err):
		return fiber.StatusConflict
	case game.IsTransient(err):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *FiberServer) gameStateHandler(c *fiber.Ctx) error {
	state := s.scheduler.CurrentRound()
	if state == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no active round",
		})
	}
	return c.JSON(state)
}

func (s *FiberServer) gameHistoryHandler(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	entries, err := s.scheduler.History(c.Context(), limit)
	if err != nil {
		return c.Status(statusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"rounds": entries})
}

func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	serverSeed := c.Query("server_seed")
	clientSeed := c.Query("client_seed")
	nonce, err := strconv.ParseInt(c.Query("nonce"), 10, 64)
	if err != nil || serverSeed == "" || clientSeed == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "server_seed, client_seed and nonce are required",
		})
	}
	claimed, _ := strconv.ParseFloat(c.Query("crash_point"), 64)

	crashPoint := game.CrashPoint(serverSeed, clientSeed, nonce)
	return c.JSON(fiber.Map{
		"crash_point": crashPoint,
		"commitment":  game.HashCommitment(serverSeed),
		"valid":       game.VerifyRound(serverSeed, clientSeed, nonce, claimed),
	})
}

type betBody struct {
	Username  string          `json:"username"`
	USDAmount decimal.Decimal `json:"usd_amount"`
	Currency  string          `json:"currency"`
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var body betBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if body.Username == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "username is required"})
	}

	res := s.placeBet(c.Context(), body)
	if res.Err != nil {
		return c.Status(statusForError(res.Err)).JSON(fiber.Map{"error": res.Err.Error()})
	}
	return c.JSON(res)
}

// placeBet resolves the price first, then submits to the scheduler: the
// round loop never waits on the oracle.
func (s *FiberServer) placeBet(ctx context.Context, body betBody) game.BetResult {
	if !game.IsSupportedCurrency(body.Currency) {
		return game.BetResult{Err: &game.ValidationError{Msg: "unsupported currency"}}
	}

	p, err := s.oracle.GetPrice(ctx, body.Currency)
	if err != nil {
		return game.BetResult{Err: &game.TransientError{Op: "price lookup failed", Err: err}}
	}

	return s.scheduler.PlaceBet(game.BetRequest{
		Username:  body.Username,
		USDAmount: body.USDAmount,
		Currency:  body.Currency,
		Price:     p,
	})
}

type cashoutBody struct {
	Username string `json:"username"`
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var body cashoutBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if body.Username == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "username is required"})
	}

	res := s.scheduler.Cashout(game.CashoutRequest{Username: body.Username})
	if res.Err != nil {
		return c.Status(statusForError(res.Err)).JSON(fiber.Map{"error": res.Err.Error()})
	}
	return c.JSON(res)
}

func (s *FiberServer) playerHandler(c *fiber.Ctx) error {
	username := c.Params("username")
	balances, err := s.wallets.Balances(username)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "player not found"})
	}
	return c.JSON(fiber.Map{
		"username": username,
		"wallets":  balances,
	})
}

func (s *FiberServer) playerTransactionsHandler(c *fiber.Ctx) error {
	username := c.Params("username")
	if !s.wallets.HasPlayer(username) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "player not found"})
	}
	txns, err := s.store.ListTransactions(c.Context(), username)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "transaction lookup failed"})
	}
	return c.JSON(fiber.Map{
		"username":     username,
		"transactions": txns,
	})
}
