package main

import (
	"github.com/golang/glog"
	"github.com/spf13/cobra"

	relayhttp "github.com/chzchzchz/skyrx/relay/http"
	"github.com/chzchzchz/skyrx/relay/server"
)

var relayListen string

func init() {
	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Share the local receiver over HTTP and WebSocket.",
		Run:   func(cmd *cobra.Command, args []string) { relay() },
	}
	relayCmd.Flags().StringVarP(&relayListen, "bind", "b", "", "address to bind relay")
	rootCmd.AddCommand(relayCmd)
}

func relay() {
	cfg := loadConfig()
	if relayListen != "" {
		cfg.Relay.Listen = relayListen
	}
	lp, _ := newLocal(cfg)
	s := server.NewServer(lp)
	defer s.Close()
	glog.Infof("relay listening on %s", cfg.Relay.Listen)
	if err := relayhttp.ServeHttp(s, cfg.Relay.Listen); err != nil {
		glog.Exitf("relay: %v", err)
	}
}
