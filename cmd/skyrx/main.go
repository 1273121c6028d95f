package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/chzchzchz/skyrx/capture"
	"github.com/chzchzchz/skyrx/config"
	"github.com/chzchzchz/skyrx/device"
	"github.com/chzchzchz/skyrx/dsp"
	"github.com/chzchzchz/skyrx/radio"
	"github.com/chzchzchz/skyrx/relay/client"
	"github.com/chzchzchz/skyrx/skyrx"
	"github.com/chzchzchz/skyrx/spectrum"
	"github.com/chzchzchz/skyrx/store"
)

var rootCmd = &cobra.Command{
	Use:   "skyrx",
	Short: "Capture and decode satellite passes with a shared SDR.",
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Exitf("config: %v", err)
	}
	return cfg
}

// newLocal wires the receiver on this host: one arbiter shared by the
// spectrum hub, the recorder and the checker.
func newLocal(cfg *config.Config) (*skyrx.Local, *dsp.NotchSet) {
	l := radio.ExecLauncher{}
	arb := device.NewArbiter(cfg.Device.Arbiter())

	notches := dsp.NewNotchSet()
	eng := spectrum.NewEngine(l, notches)
	eng.Device = cfg.Device.Index
	gain := spectrum.NewGainController(cfg.Gain, cfg.Spectrum.Gain)
	hub := spectrum.NewHub(eng, arb, gain, spectrum.NewBandGains(uint64(cfg.Spectrum.Bandwidth)))
	hub.Grace, hub.AutoGain = cfg.Spectrum.Grace.Duration, cfg.Spectrum.AutoGain

	files, err := store.NewArtifacts(cfg.Capture.Dir)
	if err != nil {
		glog.Exitf("artifacts: %v", err)
	}
	rec := capture.NewRecorder(l, arb, files)
	rec.Device, rec.Grace = cfg.Device.Index, cfg.Capture.Grace.Duration
	if cfg.Capture.AudioRate != 0 {
		rec.AudioRate = cfg.Capture.AudioRate
	}

	chk := capture.NewChecker(l, arb)
	chk.Threshold, chk.Delay = cfg.Capture.Threshold, cfg.Capture.VerifyDelay.Duration
	chk.PPM, chk.Device = cfg.Device.PPM, cfg.Device.Index

	lp := skyrx.NewLocal(hub, rec, chk, arb)
	infos, err := radio.SDRList(context.Background(), l)
	switch {
	case err != nil:
		glog.Warningf("could not list receivers: %v", err)
	case len(infos) == 0:
		glog.Warning("no receivers found")
	default:
		lp.Device = &infos[0]
		for i := range infos {
			if infos[i].Id == cfg.Device.Index {
				lp.Device = &infos[i]
			}
		}
		glog.Infof("using receiver %s (%s)", lp.Device.Id, lp.Device.Name)
	}
	return lp, notches
}

// newProvider picks the relay when an endpoint is configured. The notch
// set is nil for a remote receiver.
func newProvider(cfg *config.Config) (skyrx.Provider, *dsp.NotchSet, func()) {
	if cfg.Relay.Endpoint == "" {
		lp, notches := newLocal(cfg)
		return lp, notches, func() { lp.StopStream(context.Background()) }
	}
	u, err := url.Parse(cfg.Relay.Endpoint)
	if err != nil {
		glog.Exitf("relay endpoint %q: %v", cfg.Relay.Endpoint, err)
	}
	files, err := store.NewArtifacts(cfg.Capture.Dir)
	if err != nil {
		glog.Exitf("artifacts: %v", err)
	}
	c := client.New(*u, files)
	if cfg.Relay.PollInterval.Duration > 0 {
		c.PollInterval = cfg.Relay.PollInterval.Duration
	}
	c.VerifyDelay = cfg.Capture.VerifyDelay.Duration
	glog.Infof("using relay at %s", u)
	return c, nil, func() { c.Close() }
}

func main() {
	// Quiets glog's complaint about logging before flag.Parse; cobra
	// parses the real values.
	flag.CommandLine.Parse(nil)
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
	}
}
