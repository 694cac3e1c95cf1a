package main

import (
	"doer-api/core/logger"
	"doer-api/core/server"
)

func main() {
	if err := server.Run(); err != nil {
		logger.Error("run server error", err)
	}
}
