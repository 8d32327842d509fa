package main

import (
	"github.com/phoreproject/sentinel/cfg"
	"github.com/phoreproject/sentinel/node/config"
	"github.com/phoreproject/sentinel/node/module"
	"github.com/phoreproject/sentinel/utils"

	logger "github.com/sirupsen/logrus"
)

const clientVersion = "0.1.0"

func main() {
	nodeOptions := config.NewOptions()
	globalConfig := cfg.GlobalOptions{}
	err := cfg.LoadFlags(&nodeOptions, &globalConfig)
	if err != nil {
		logger.Fatal(err)
	}

	utils.CheckNTP()

	if globalConfig.LogLevel == "" {
		globalConfig.LogLevel = "info"
	}
	lvl, err := logger.ParseLevel(globalConfig.LogLevel)
	if err != nil {
		logger.Fatal(err)
	}
	logger.SetLevel(lvl)

	logger.Infof("starting sentinel version %s", clientVersion)

	dataDir := globalConfig.DataDir
	if dataDir == "" {
		dataDir = "~/.sentinel"
	}

	nodeConfig, err := config.ParseOptions(nodeOptions, dataDir)
	if err != nil {
		logger.Fatal(err)
	}

	app, err := module.NewNodeApp(nodeConfig)
	if err != nil {
		logger.Fatal(err)
	}

	if err := app.Run(); err != nil {
		logger.Fatal(err)
	}
}
