/*
rtrpc-server runs one node of an rtrpc cluster.

	$ rtrpc-server -config rtrpc.yaml -listen :6020 -name node-a

Without a config file the node runs standalone on an in-process bus.
*/
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dermesser/rtrpc/config"
	"github.com/dermesser/rtrpc/log"
)

func main() {
	var path, listen, name, loglevel string

	flag.StringVar(&path, "config", "", "YAML configuration file.")
	flag.StringVar(&listen, "listen", "", "Address to accept client connections on; overrides the config file.")
	flag.StringVar(&name, "name", "", "Server name, unique in the cluster; overrides the config file.")
	flag.StringVar(&loglevel, "loglevel", "", "none, error, warning, info or debug; overrides the config file.")

	flag.Parse()

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if name != "" {
		cfg.ServerName = name
	}
	if loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log.SetLoglevel(cfg.Loglevel())
	log.Log(log.LOGLEVEL_INFO, "Starting node", cfg.ServerName)

	app := newApp(cfg)
	if err := app.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	app.Run()
}
