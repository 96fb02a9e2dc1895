package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/opts"

	"github.com/TorrentDamDev/bittorrent/common"
	"github.com/TorrentDamDev/bittorrent/engine"
)

var VERSION = "0.0.0-src" //set with ldflags

type app struct {
	ConfigPath string `help:"Configuration file path"`
	InfoHash   string `help:"Infohash to download (40 hex chars)" short:"i"`
	Quiet      bool   `help:"Mute the DHT protocol log"`
}

func main() {
	a := app{
		ConfigPath: "torrentdam.yaml",
	}

	o := opts.New(&a)
	o.Version(VERSION)
	o.PkgRepo()
	o.SetLineWidth(96)
	o.Parse()

	if err := a.run(); err != nil {
		log.Fatal(err)
	}
}

func (a *app) run() error {
	conf, err := engine.InitConf(a.ConfigPath)
	if err != nil {
		return err
	}
	if a.Quiet {
		conf.MuteDhtLog = true
	}

	e := engine.New()
	if err := e.Configure(*conf); err != nil {
		return err
	}
	defer e.Close()

	if a.InfoHash != "" {
		if err := e.NewSwarm(a.InfoHash, nil); err != nil {
			return err
		}
	}
	e.RestoreMagnets()
	common.HandleError(e.StartMagnetWatcher())
	go e.RunProgressLog(10 * time.Second)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("shutting down")
	return nil
}
