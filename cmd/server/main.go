package main

import (
	"fmt"
	"os"

	"militext/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Server terminated with error: %v\n", err)
		os.Exit(1)
	}
}
