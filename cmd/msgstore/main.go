package main

import (
	"github.com/joho/godotenv"

	"msgstore/cmd/msgstore/cmd"
)

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")
	cmd.Execute()
}
