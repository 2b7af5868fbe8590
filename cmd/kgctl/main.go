package main

import (
	"os"

	"github.com/OFFIS-RIT/kgraph/internal/app"
	"github.com/OFFIS-RIT/kgraph/internal/cli"
	"github.com/OFFIS-RIT/kgraph/internal/util"
)

func main() {
	util.LoadEnv()
	app.InitLogger("kgctl")

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
