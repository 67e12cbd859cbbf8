package main

import (
	"os"

	"chartstream/cmd/chartstreamd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
