// Command xmm-io attaches to an XMM7360 modem and pipes one queue pair to
// stdin/stdout: bytes on stdin go out the pair's send ring, deliveries from
// the modem come out on stdout. With -sim it runs against the built-in
// firmware simulator in loopback mode, which is handy for exercising the
// transport without hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	xmm "github.com/behrlich/go-xmm"
	"github.com/behrlich/go-xmm/pcibus"
)

// fileConfig is the YAML config file schema. Flags override file values.
type fileConfig struct {
	Device    string `yaml:"device"`     // sysfs path of the PCI function
	UIO       string `yaml:"uio"`        // uio node for DMA memory and interrupts
	QueuePair int    `yaml:"queue_pair"` // pair index 0..7
	Log       struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %v", path, err)
	}
	return cfg, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		devicePath = flag.String("device", "", "sysfs path of the PCI function (overrides config)")
		uioPath    = flag.String("uio", "", "uio device node (overrides config)")
		qpNum      = flag.Int("qp", -1, "queue pair to open (overrides config)")
		sim        = flag.Bool("sim", false, "run against the built-in simulator in loopback mode")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *devicePath != "" {
		cfg.Device = *devicePath
	}
	if *uioPath != "" {
		cfg.UIO = *uioPath
	}
	if *qpNum >= 0 {
		cfg.QueuePair = *qpNum
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	xmm.ConfigureLogging(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *sim); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *fileConfig, simulated bool) error {
	group, ctx := errgroup.WithContext(ctx)

	var (
		attach  xmm.Config
		modem   *xmm.SimModem
		cleanup func()
	)

	if simulated {
		modem = xmm.NewSimModem()
		attach = modem.Config()
		cleanup = func() {}
	} else {
		if cfg.Device == "" || cfg.UIO == "" {
			return fmt.Errorf("need -device and -uio (or a config file) without -sim")
		}
		pci, err := pcibus.Open(cfg.Device)
		if err != nil {
			return err
		}
		alloc, err := pcibus.NewUioAllocator(cfg.UIO, 0)
		if err != nil {
			pci.Close()
			return err
		}
		attach = xmm.Config{
			Bar0:  pci.Bar0(),
			Bar2:  pci.Bar2(),
			Alloc: alloc,
			// Interrupt service must be running before bring-up so the
			// drain waits inside Attach get their wakeups.
			Interrupts: func(dispatch func(line int)) {
				group.Go(func() error {
					return pcibus.ServeInterrupts(ctx, cfg.UIO, dispatch)
				})
			},
		}
		cleanup = func() { pci.Close() }
	}
	defer cleanup()

	dev, err := xmm.Attach(ctx, attach)
	if err != nil {
		return err
	}
	defer dev.Close()

	qp, err := dev.QueuePair(cfg.QueuePair)
	if err != nil {
		return err
	}
	if err := qp.Open(); err != nil {
		return err
	}
	defer qp.Close()

	if simulated {
		group.Go(func() error { return loopback(ctx, modem, cfg.QueuePair) })
	}

	// stdin -> send ring
	group.Go(func() error {
		buf := make([]byte, xmm.PageSize)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := writeRetry(ctx, qp, buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})

	// receive ring -> stdout
	group.Go(func() error {
		buf := make([]byte, xmm.PageSize)
		for {
			n, err := qp.Read(ctx, buf)
			if err != nil {
				return err
			}
			if _, err := os.Stdout.Write(buf[:n]); err != nil {
				return err
			}
		}
	})

	return group.Wait()
}

// writeRetry backs off on a full send ring. Retry policy lives here, not in
// the transport.
func writeRetry(ctx context.Context, qp *xmm.QueuePair, data []byte) error {
	for {
		err := qp.Write(data)
		if err == nil || !xmm.IsRetriable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// loopback feeds everything the simulated firmware drains from the send
// ring back into the pair's receive ring.
func loopback(ctx context.Context, modem *xmm.SimModem, qp int) error {
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		sent := modem.Sent(qp)
		for ; seen < len(sent); seen++ {
			for {
				err := modem.Deliver(qp, sent[seen])
				if err == nil {
					break
				}
				if err != xmm.ErrNoReceiveSlot {
					return err
				}
				// All donated buffers are in flight; wait for the reader
				// to re-post one.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Millisecond):
				}
			}
		}
	}
}
