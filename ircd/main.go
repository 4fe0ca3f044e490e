// Command ircd runs the IRC daemon.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/hexwell/ircd/irc"
	"github.com/hexwell/ircd/irc/config"
	"github.com/hexwell/ircd/logging"
	"github.com/hexwell/ircd/webd"
)

// Exit statuses; the socket engine failing to initialize has its own so
// supervisors can tell it apart.
const (
	exitConfig       = 1
	exitSocketEngine = 2
	exitListener     = 3
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file (yaml, toml or json)")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	logger := logging.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("ircd: %v", err)
		os.Exit(exitConfig)
	}

	server, err := irc.NewServer(cfg, logger)
	if err != nil {
		log.Printf("ircd: %v", err)
		os.Exit(exitSocketEngine)
	}

	if err := server.Listen(); err != nil {
		log.Printf("ircd: %v", err)
		os.Exit(exitListener)
	}

	if cfg.Web.Enabled {
		portal := webd.New(server)
		go func() {
			if err := portal.Start(cfg.WebListenAddress()); err != nil {
				log.Printf("ircd: web portal: %v", err)
			}
		}()
	}

	// Signals only flag the dispatch loop; all teardown stays on the core
	// thread.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		server.RequestStop()
	}()

	server.Run()
}
