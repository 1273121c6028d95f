package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/chzchzchz/skyrx/capture"
)

var (
	freqHz   uint64
	duration time.Duration
	gainDB   float64
	label    string
	attempts int
)

func init() {
	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Record one FM capture to the artifact directory.",
		Run:   func(cmd *cobra.Command, args []string) { record() },
	}
	recordCmd.Flags().Uint64VarP(&freqHz, "frequency", "f", 0, "frequency in Hz")
	recordCmd.Flags().DurationVarP(&duration, "duration", "d", time.Minute, "recording length")
	recordCmd.Flags().Float64VarP(&gainDB, "gain", "g", 0, "gain in dB, 0 for auto")
	recordCmd.Flags().StringVarP(&label, "label", "l", "", "label for the artifact name")
	rootCmd.AddCommand(recordCmd)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Measure power at a frequency.",
		Run:   func(cmd *cobra.Command, args []string) { check() },
	}
	checkCmd.Flags().Uint64VarP(&freqHz, "frequency", "f", 0, "frequency in Hz")
	checkCmd.Flags().Float64VarP(&gainDB, "gain", "g", 0, "gain in dB, 0 for auto")
	checkCmd.Flags().IntVar(&attempts, "attempts", 1, "majority-vote over this many readings")
	rootCmd.AddCommand(checkCmd)
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(b))
}

func record() {
	if freqHz == 0 {
		glog.Exit("need --frequency")
	}
	cfg := loadConfig()
	p, _, closeProvider := newProvider(cfg)
	defer closeProvider()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	req := capture.Request{
		Frequency:  freqHz,
		Duration:   duration,
		SampleRate: cfg.Capture.SampleRate,
		Gain:       gainDB,
		PPM:        cfg.Device.PPM,
		Label:      label,
	}
	sess, err := p.Record(ctx, req, func(elapsed, total time.Duration) {
		glog.Infof("recorded %v of %v", elapsed.Truncate(time.Second), total)
	})
	if sess != nil {
		printJSON(sess)
	}
	if err != nil {
		glog.Exitf("record: %v", err)
	}
}

func check() {
	if freqHz == 0 {
		glog.Exit("need --frequency")
	}
	cfg := loadConfig()
	p, _, closeProvider := newProvider(cfg)
	defer closeProvider()

	ctx := context.Background()
	if attempts > 1 {
		ok, err := p.VerifySignal(ctx, freqHz, gainDB, attempts)
		if err != nil {
			glog.Exitf("verify: %v", err)
		}
		fmt.Printf("signal at %d Hz: %v (%d attempts, %d needed)\n", freqHz, ok, attempts, capture.Majority(attempts))
		return
	}
	r, err := p.CheckSignal(ctx, freqHz, gainDB)
	if err != nil {
		glog.Exitf("check: %v", err)
	}
	printJSON(r)
}
