package main

import (
	"github.com/OFFIS-RIT/kgraph/internal/app"
	"github.com/OFFIS-RIT/kgraph/internal/server"
	"github.com/OFFIS-RIT/kgraph/internal/util"
)

func main() {
	util.LoadEnv()
	app.InitLogger("kgraph-server")

	server.Init()
}
