package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/chzchzchz/skyrx/config"
	"github.com/chzchzchz/skyrx/decoder"
	"github.com/chzchzchz/skyrx/skyrx"
	skyrxhttp "github.com/chzchzchz/skyrx/skyrx/http"
)

var passesFile string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pass scheduler and the observer API.",
		Run:   func(cmd *cobra.Command, args []string) { serve() },
	}
	serveCmd.Flags().StringVarP(&passesFile, "passes", "p", "", "TOML file of predicted passes")
	rootCmd.AddCommand(serveCmd)
}

func serve() {
	cfg := loadConfig()
	if passesFile != "" {
		cfg.PassesFile = passesFile
	}
	var passes []skyrx.PassWindow
	if cfg.PassesFile != "" {
		var err error
		if passes, err = config.LoadPasses(cfg.PassesFile); err != nil {
			glog.Exitf("passes: %v", err)
		}
	}
	glog.Infof("loaded %d passes", len(passes))

	p, notches, closeProvider := newProvider(cfg)
	defer closeProvider()

	hist, err := cfg.OpenHistory()
	if err != nil {
		glog.Exitf("history: %v", err)
	}
	defer hist.Close()

	var sc *skyrx.Scanner
	if scfg := cfg.ScanConfig(); scfg != nil {
		sc = skyrx.NewScanner(p, *scfg)
	}
	dec := decoder.NewCommand(cfg.DecoderPrograms())
	s := skyrx.NewScheduler(cfg.SchedulerConfig(), p, skyrx.NewPassQueue(passes...), dec, hist, sc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	donec := make(chan struct{})
	go func() {
		defer close(donec)
		if err := s.Run(ctx); err != nil && ctx.Err() == nil {
			glog.Errorf("scheduler: %v", err)
		}
	}()

	o := skyrxhttp.Observed{Scheduler: s, Provider: p, Notches: notches, History: hist}
	go func() {
		glog.Infof("serving observer API on %s", cfg.Listen)
		if err := skyrxhttp.ServeHttp(o, cfg.Listen); err != nil {
			glog.Errorf("observer API: %v", err)
			stop()
		}
	}()
	<-donec
	glog.Info("scheduler stopped")
}
