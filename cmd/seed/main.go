// Seeds demo players with starter BTC/ETH balances.
package main

import (
	"context"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"crashout/internal/database"
)

type seedPlayer struct {
	username string
	wallets  map[string]string
}

var seedPlayers = []seedPlayer{
	{username: "test", wallets: map[string]string{"BTC": "0.1", "ETH": "5"}},
	{username: "vikas", wallets: map[string]string{"BTC": "0.05", "ETH": "2"}},
	{username: "elon", wallets: map[string]string{"BTC": "0.02", "ETH": "1"}},
	{username: "satoshi", wallets: map[string]string{"BTC": "1", "ETH": "10"}},
	{username: "demo", wallets: map[string]string{"BTC": "0.001", "ETH": "0.05"}},
}

func main() {
	db := database.New()
	defer db.Close()
	store := database.NewStore(db.Pool())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, p := range seedPlayers {
		if err := store.CreatePlayer(ctx, p.username); err != nil {
			logrus.WithError(err).WithField("username", p.username).Fatal("create player failed")
		}
		for currency, raw := range p.wallets {
			balance, err := decimal.NewFromString(raw)
			if err != nil {
				logrus.WithError(err).Fatal("bad seed balance")
			}
			if err := store.UpdateWallet(ctx, p.username, currency, balance); err != nil {
				logrus.WithError(err).WithField("username", p.username).Fatal("seed wallet failed")
			}
		}
		logrus.WithFields(logrus.Fields{
			"username": p.username,
			"wallets":  p.wallets,
		}).Info("player seeded")
	}

	logrus.Info("seed complete, log in with any seeded username")
}
