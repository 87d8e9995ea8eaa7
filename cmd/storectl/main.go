package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/gophstore/internal/app"
	"github.com/dmitrijs2005/gophstore/internal/config"
)

func main() {

	ctx := context.Background()

	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if err := app.NewApp(cfg, os.Stdout, os.Stderr).Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}

	log.Print("done")
}
