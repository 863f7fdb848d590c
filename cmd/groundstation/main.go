package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"groundstation/internal/config"
	"groundstation/internal/radio"
	"groundstation/internal/web"
)

func main() {
	var (
		configPath string
		listPorts  bool
		summarize  string
	)
	pflag.StringVarP(&configPath, "config", "c", "./groundstation.yaml", "Path to YAML config (written with defaults when missing)")
	pflag.BoolVar(&listPorts, "list-ports", false, "List serial ports and exit")
	pflag.StringVar(&summarize, "summarize", "", "Summarize a radio capture file and exit")
	pflag.Parse()

	if summarize != "" {
		if err := printCaptureSummary(os.Stdout, summarize); err != nil {
			log.Fatalf("capture summary failed: %v", err)
		}
		return
	}
	if listPorts {
		if err := printPorts(os.Stdout); err != nil {
			log.Fatalf("list ports failed: %v", err)
		}
		return
	}

	cfg, created, err := config.LoadOrCreate(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if created {
		log.Printf("wrote default config path=%s", configPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(cfg, configPath, logs)
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}
	defer rt.Close()

	log.Printf("groundstation starting listen=%s driver=%s", cfg.Web.Listen, cfg.Radio.Driver)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("groundstation stopped: %v", err)
		rt.Close()
		os.Exit(1)
	}
	log.Printf("groundstation stopping")
}

func printPorts(w io.Writer) error {
	ports, err := radio.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		_, _ = fmt.Fprintln(w, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		line := p.Name
		if p.USB {
			line += fmt.Sprintf("  usb %s:%s", p.VID, p.PID)
			if p.Product != "" {
				line += "  " + p.Product
			}
			if p.SerialNumber != "" {
				line += "  sn=" + p.SerialNumber
			}
		}
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}
