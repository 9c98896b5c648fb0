// Command blocksrv-mem runs a standalone session against an in-memory
// block device: it opens a session on a blocksrv.Device backed by
// internal/memdriver, attaches one region, submits one demo write
// through it, and logs progress and periodic metrics until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dblk/blocksrv"
	"github.com/dblk/blocksrv/internal/channel"
	"github.com/dblk/blocksrv/internal/logging"
	"github.com/dblk/blocksrv/internal/memdriver"
	"github.com/dblk/blocksrv/internal/wire"
)

func main() {
	var (
		sizeStr   = flag.String("size", "64M", "Size of the memory disk (e.g., 64M, 1G)")
		blockSize = flag.Uint("block-size", 512, "Logical block size in bytes")
		maxXfer   = flag.Uint("max-transfer", 1<<20, "Maximum transfer size per lower-driver operation, in bytes (0 = unlimited)")
		readOnly  = flag.Bool("read-only", false, "Reject writes")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	driver := memdriver.New(uint64(size), uint32(*blockSize), uint32(*maxXfer))
	metrics := blocksrv.NewMetrics()

	device, err := blocksrv.NewDevice(blocksrv.DeviceParams{
		Modern:   driver,
		ReadOnly: *readOnly,
	}, &blocksrv.Options{
		Logger:   logger,
		Observer: blocksrv.NewMetricsObserver(metrics),
	})
	if err != nil {
		logger.Error("failed to create device", "error", err)
		os.Exit(1)
	}

	logger.Info("created in-memory device", "size", formatSize(size), "block_size", *blockSize, "max_transfer", *maxXfer, "read_only", *readOnly)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := device.GetFIFOs(ctx)
	if err != nil {
		logger.Error("failed to open session", "error", err)
		os.Exit(1)
	}

	vmo := memdriver.NewVMO(uint64(*blockSize) * 8)
	regionID, err := device.AttachVMO(vmo)
	if err != nil {
		logger.Error("failed to attach region", "error", err)
		os.Exit(1)
	}

	txnID, err := device.AllocTxn()
	if err != nil {
		logger.Error("failed to allocate transaction", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Device ready: %s, region=%d, txn=%d\n", formatSize(size), regionID, txnID)
	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, unix.SIGUSR1)
	go func() {
		for range stackDumpCh {
			logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

			filename := fmt.Sprintf("blocksrv-mem-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "Goroutine stack dump at %s\nProcess ID: %d\n\n", time.Now().Format(time.RFC3339), os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	go issueDemoWrite(client, regionID, txnID, logger)

	metricsTicker := time.NewTicker(10 * time.Second)
	defer metricsTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)

	for {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			metrics.Stop()
			snap := metrics.Snapshot()
			logger.Info("final metrics", "read_ops", snap.ReadOps, "write_ops", snap.WriteOps, "error_rate", snap.ErrorRate)
			client.SignalTerminate()
			cancel()
			return
		case <-metricsTicker.C:
			snap := metrics.Snapshot()
			logger.Info("metrics", "read_ops", snap.ReadOps, "write_ops", snap.WriteOps, "read_iops", snap.ReadIOPS, "write_iops", snap.WriteIOPS)
		}
	}
}

// issueDemoWrite submits a single 512-byte write through the client end
// and logs the response it gets back.
func issueDemoWrite(client *channel.ClientEnd, regionID uint16, txnID uint8, logger *logging.Logger) {
	ok := client.Submit(wire.RequestRecord{
		TxnID:    txnID,
		RegionID: regionID,
		OpFlags:  wire.EncodeOp(wire.OpWrite, true),
		Length:   512,
	})
	if !ok {
		logger.Warn("demo write submit failed, channel full")
		return
	}
	resp, ok := client.Receive()
	if !ok {
		logger.Warn("demo write: channel closed before response")
		return
	}
	logger.Info("demo write complete", "status", resp.Status, "count", resp.Count)
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
