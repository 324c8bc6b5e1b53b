// Command parakeet is a terminal client for the LAN messenger engine: it
// discovers peers on the local broadcast domain, joins rooms, chats, and
// exchanges files, all without a server.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prxssh/parakeet/internal/config"
	"github.com/prxssh/parakeet/internal/engine"
	"github.com/prxssh/parakeet/pkg/utils/logging"
	"github.com/urfave/cli"
)

// version is populated via build flags when packaging release binaries.
var version = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "parakeet"
	app.Usage = "serverless LAN chat and file sharing"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "nick, n",
			Usage: "display name announced to the LAN (persisted)",
		},
		cli.StringFlag{
			Name:  "room, r",
			Usage: "room to join at startup; omit to start in the lobby",
		},
		cli.StringFlag{
			Name:  "password, p",
			Usage: "room password; empty means an open, unencrypted room",
		},
		cli.StringFlag{
			Name:  "config, c",
			Value: config.DefaultPath(),
			Usage: "settings file",
		},
		cli.UintFlag{
			Name:  "port",
			Usage: "UDP discovery port, shared by every peer on the LAN (persisted)",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "log engine internals at debug level",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "parakeet:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	setupLogger(c.Bool("debug"))

	cfgPath := c.String("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Warn("settings unreadable, starting from defaults", "error", err)
	}

	// Flags override the settings file and stick for the next run, the
	// same way the lobby's save button did.
	changed := false
	if nick := strings.TrimSpace(c.String("nick")); nick != "" && nick != cfg.Nickname {
		cfg.Nickname = nick
		changed = true
	}
	if port := c.Uint("port"); port != 0 && port <= 65535 && uint16(port) != cfg.Port {
		cfg.Port = uint16(port)
		changed = true
	}
	if changed {
		if err := cfg.Save(cfgPath); err != nil {
			slog.Warn("settings save failed", "path", cfgPath, "error", err)
		}
	}

	cl := newClient(cfgPath, cfg)
	defer cl.close()

	room, password := engine.LobbyRoom, ""
	if r := strings.TrimSpace(c.String("room")); r != "" {
		room, password = r, c.String("password")
	}
	if err := cl.joinRoom(room, password); err != nil {
		return err
	}

	return cl.repl(os.Stdin)
}

// setupLogger sends engine logs to stderr so they never interleave with the
// conversation on stdout. Without --debug only warnings surface; the chat
// itself is the interesting output.
func setupLogger(debug bool) {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelWarn
	if debug {
		opts.SlogOpts.Level = slog.LevelDebug
	}

	h := logging.NewPrettyHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(h))
}
