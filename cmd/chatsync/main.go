package main

import (
	"context"
	"log"
	"os"

	"github.com/tinfoilsh/chatsync/internal/app"
	"github.com/tinfoilsh/chatsync/internal/buildinfo"
	"github.com/tinfoilsh/chatsync/internal/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()
	a, err := app.NewApp(ctx, cfg)

	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	if err := a.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}

}
