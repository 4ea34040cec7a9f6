// locusctl is a small operator client for locusd: it checks daemon
// health, dumps metrics, and replays recorded history files through an
// offline pipeline.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/config"
	"github.com/locuskit/locus/pkg/logx"
	"github.com/locuskit/locus/pkg/pipeline"
	"github.com/locuskit/locus/pkg/store"
)

var addr = flag.String("addr", "http://127.0.0.1:9109", "locusd metrics address")

func usage() {
	fmt.Fprintf(os.Stderr, `usage: locusctl [flags] <command>

commands:
  health          check daemon health
  metrics         dump prometheus metrics
  replay <file>   replay a history file through an offline pipeline
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	var err error
	switch flag.Arg(0) {
	case "health":
		err = fetch(*addr + "/healthz")
	case "metrics":
		err = fetch(*addr + "/metrics")
	case "replay":
		if flag.NArg() < 2 {
			usage()
			os.Exit(2)
		}
		err = replay(flag.Arg(1))
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "locusctl: %v\n", err)
		os.Exit(1)
	}
}

func fetch(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Print(string(body))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

// replay feeds a recorded history file through an offline pipeline and
// prints each corrected fix
func replay(path string) error {
	fs := store.NewFileStore(store.FileStoreConfig{Path: path}, logx.NewLogger("error", "replay"))
	if err := fs.Init(); err != nil {
		return err
	}
	defer fs.Close()

	fixes, err := fs.QueryByTime(0, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if len(fixes) == 0 {
		return fmt.Errorf("no records in %s", path)
	}

	cfg := config.Default()
	// Recorded fixes are old by definition; disable staleness so replay
	// judges kinematics, not age
	cfg.MaxTimeDiffMs = int64(time.Hour*24*365*10) / int64(time.Millisecond)
	cfg.AnomalyThresholds.MaxTimeDiffMs = cfg.MaxTimeDiffMs
	cfg.MinCorrectionIntervalMs = 0

	pipe, err := pipeline.New(cfg, store.NewMemoryStore(0), logx.NewLogger("error", "replay"))
	if err != nil {
		return err
	}

	count := 0
	sub := pipe.Subscribe(pipeline.ListenerFuncs{
		LocationChanged: func(fix *pkg.CorrectedFix) {
			count++
			fmt.Printf("%d  %.6f,%.6f  acc=%.1fm  conf=%.2f  method=%s  sources=%d\n",
				fix.Timestamp, fix.Latitude, fix.Longitude,
				fix.Accuracy, fix.Confidence, fix.Method, fix.SourceCount)
		},
	})
	defer sub.Unsubscribe()

	if err := pipe.Start(); err != nil {
		return err
	}
	for _, fix := range fixes {
		pipe.Submit(fix)
	}
	// Give the consumer time to drain before a synchronous stop
	deadline := time.Now().Add(5 * time.Second)
	for pipe.GetStats().QueueDepth > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	pipe.Stop()

	stats := pipe.GetStats()
	fmt.Printf("replayed %d fixes: %d corrected, %d anomalies, %d dropped\n",
		len(fixes), count, stats.Anomalies, stats.Dropped)
	return nil
}
