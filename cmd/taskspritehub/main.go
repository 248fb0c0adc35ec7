package main

import (
	"log"

	"github.com/hgosansn/Deskling/cmd/internal/app"

	"github.com/joho/godotenv"
)

func main() {
	// Dev convenience: pick up a local .env when present.
	_ = godotenv.Load()

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
