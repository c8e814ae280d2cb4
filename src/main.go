package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", "config/fawn.conf", "Path to configuration file")
	flag.Parse()

	// Load configuration
	config, err := LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := config.ApplyEnv(os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log, logCloser, err := NewLogger(config.LogFilePath, config.LogMaxSizeMB, config.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	handler := NewStaticFile(config.StaticDir, config.StaticCacheEntries, log)

	// Create server
	server, err := NewServer(config, handler, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating server: %v\n", err)
		os.Exit(1)
	}

	// SIGINT/SIGTERM drain the pool, SIGQUIT drops what is queued,
	// SIGHUP reloads the access rules
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	go func() {
		for sig := range sigChan {
			log.WithField("signal", sig.String()).Warn("signal received")
			switch sig {
			case syscall.SIGHUP:
				if err := server.ReloadFilter(); err != nil {
					log.WithError(err).Error("keeping previous access rules")
				}
				continue
			case syscall.SIGQUIT:
				server.Stop()
			default:
				server.Shutdown()
			}
			return
		}
	}()

	// Start server
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		server.Stop()
		logCloser.Close()
		os.Exit(1)
	}

	// Start returns once the loop has been stopped; wait for the pool to finish.
	server.Shutdown()
}
