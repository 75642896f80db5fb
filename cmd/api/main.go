package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"crashout/internal/server"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	srv := server.New()
	srv.RegisterFiberRoutes()

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil || port == 0 {
		port = 8080
	}

	go func() {
		if err := srv.Listen(fmt.Sprintf(":%d", port)); err != nil {
			logrus.WithError(err).Fatal("server stopped")
		}
	}()
	logrus.WithField("port", port).Info("listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := srv.Shutdown(); err != nil {
		logrus.WithError(err).Error("shutdown error")
	}
	if err := srv.App.Shutdown(); err != nil {
		logrus.WithError(err).Error("fiber shutdown error")
	}
}
