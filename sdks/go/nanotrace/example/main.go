package main

import (
	"log/slog"
	"time"

	"github.com/coffersTech/nanotrace/sdks/go/nanotrace"
)

func main() {
	handler := nanotrace.NewHandler(nanotrace.Options{
		ServerURL: "http://localhost:8088",
		Process:   "go-example",
	})
	defer handler.Shutdown()
	logger := slog.New(handler)

	logger.Info("Hello from Go SDK", "user_id", 42, "status", "active")
	logger.Warn("This is a warning", "retry_count", 3)
	logger.Error("Something went wrong", "error", "connection refused")

	time.Sleep(2 * time.Second)
	logger.Info("Last message before exit")
}
