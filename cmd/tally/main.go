package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/kompany/tally/moderation/engine"
	"github.com/kompany/tally/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "tally",
		Usage:   "submission moderation daemon (evidence in, points out)",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database for the ledger, audit log and koth events (and submissions, with the sql store)",
			Value:   "sqlite://data/tally/tally.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "store",
			Usage:   "submission store backend: sql, pebble or memory",
			Value:   StoreSQL,
			EnvVars: []string{"TALLY_STORE"},
		},
		&cli.StringFlag{
			Name:    "pebble-path",
			Usage:   "directory of the pebble submission store",
			Value:   "data/tally/submissions",
			EnvVars: []string{"TALLY_PEBBLE_PATH"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis server for markers, reviewer sets and counters (optional)",
			EnvVars: []string{"TALLY_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "reviewers-file",
			Usage:   "JSON file of reviewer sets, used when redis is not configured",
			EnvVars: []string{"TALLY_REVIEWERS_FILE"},
		},
		&cli.StringFlag{
			Name:    "reviewer-role",
			Usage:   "chat role required to judge by reaction (optional)",
			EnvVars: []string{"TALLY_REVIEWER_ROLE", "ADMIN_ROLE_ID"},
		},
		&cli.StringFlag{
			Name:    "koth-channel-id",
			Usage:   "channel which receives King of the Hill evidence",
			EnvVars: []string{"TALLY_KOTH_CHANNEL_ID", "KOTH_CHANNEL_ID"},
		},
		&cli.StringSliceFlag{
			Name:    "emoji",
			Usage:   "reviewer reaction mapping, <emoji>=<multiplier|deny> (repeatable)",
			EnvVars: []string{"TALLY_EMOJIS"},
		},
		&cli.BoolFlag{
			Name:    "enable-db-tracing",
			Usage:   "trace database queries (needs OTEL_EXPORTER_OTLP_ENDPOINT)",
			EnvVars: []string{"TALLY_ENABLE_DB_TRACING"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"TALLY_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		listPendingCmd,
		showCmd,
		judgeCmd,
		balanceCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context) (*slog.Logger, error) {
	return cliutil.SetupSlog(cliutil.LogOptions{LogLevel: cctx.String("log-level")})
}

// offline commands print results on stdout, so logs go to stderr
func configOfflineLogger(cctx *cli.Context) (*slog.Logger, error) {
	return cliutil.SetupSlog(cliutil.LogOptions{LogLevel: cctx.String("log-level"), LogPath: "stderr"})
}

func serverConfig(cctx *cli.Context, logger *slog.Logger) Config {
	return Config{
		Logger:        logger,
		StoreBackend:  cctx.String("store"),
		PebblePath:    cctx.String("pebble-path"),
		RedisURL:      cctx.String("redis-url"),
		ReviewersFile: cctx.String("reviewers-file"),
		ReviewerRole:  cctx.String("reviewer-role"),
		KothChannelID: cctx.String("koth-channel-id"),
		Emojis:        cctx.StringSlice("emoji"),
	}
}

// openServer wires a server without starting any listener; offline commands use it to
// reach the same engines as the daemon.
func openServer(cctx *cli.Context, config Config) (*Server, error) {
	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"), config.Logger)
	if err != nil {
		return nil, err
	}
	if cctx.Bool("enable-db-tracing") {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, err
		}
	}
	return NewServer(cctx.Context, db, config)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":4100",
			EnvVars: []string{"TALLY_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":4101",
			EnvVars: []string{"TALLY_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "api-token",
			Usage:   "bearer token required on /v1 API requests (optional)",
			EnvVars: []string{"TALLY_API_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "webhook-url",
			Usage:   "chat webhook which receives the audit trail (optional)",
			EnvVars: []string{"TALLY_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "webhook-format",
			Usage:   "audit webhook payload format: discord or slack",
			Value:   "discord",
			EnvVars: []string{"TALLY_WEBHOOK_FORMAT"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}

		shutdownOTEL, err := configOTEL(ctx, "tally")
		if err != nil {
			return err
		}
		defer shutdownOTEL()

		config := serverConfig(cctx, logger)
		config.Bind = cctx.String("bind")
		config.APIToken = cctx.String("api-token")
		config.WebhookURL = cctx.String("webhook-url")
		config.WebhookFormat = cctx.String("webhook-format")

		srv, err := openServer(cctx, config)
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.RunAPI(); err != nil {
			return fmt.Errorf("failed to run tally service: %w", err)
		}
		return nil
	},
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func offlineEngine(cctx *cli.Context, category string) (*Server, *engine.Engine, error) {
	logger, err := configOfflineLogger(cctx)
	if err != nil {
		return nil, nil, err
	}
	srv, err := openServer(cctx, serverConfig(cctx, logger))
	if err != nil {
		return nil, nil, err
	}
	eng, ok := srv.dispatcher.Engine(category)
	if !ok {
		srv.store.Close()
		return nil, nil, fmt.Errorf("unknown category: %s (have %v)", category, srv.dispatcher.Categories())
	}
	return srv, eng, nil
}

var listPendingCmd = &cli.Command{
	Name:      "list-pending",
	Usage:     "print pending submissions of a category",
	ArgsUsage: "<category>",
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected a category argument")
		}
		srv, eng, err := offlineEngine(cctx, cctx.Args().First())
		if err != nil {
			return err
		}
		defer srv.store.Close()
		subs, err := eng.ListPending(cctx.Context)
		if err != nil {
			return err
		}
		return printJSON(subs)
	},
}

var showCmd = &cli.Command{
	Name:      "show",
	Usage:     "print one submission",
	ArgsUsage: "<category> <submission-id>",
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() != 2 {
			return fmt.Errorf("expected category and submission id arguments")
		}
		srv, eng, err := offlineEngine(cctx, cctx.Args().Get(0))
		if err != nil {
			return err
		}
		defer srv.store.Close()
		sub, err := eng.Get(cctx.Context, cctx.Args().Get(1))
		if err != nil {
			return err
		}
		return printJSON(sub)
	},
}

var judgeCmd = &cli.Command{
	Name:      "judge",
	Usage:     "apply a reviewer decision from the command line",
	ArgsUsage: "<category> <submission-id> approve|deny",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "reviewer",
			Usage:    "reviewer identity recorded for the decision",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "multiplier",
			Usage: "approval multiplier",
			Value: "1",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() != 3 {
			return fmt.Errorf("expected category, submission id and action arguments")
		}
		var action engine.Action
		switch cctx.Args().Get(2) {
		case "approve":
			m, err := decimal.NewFromString(cctx.String("multiplier"))
			if err != nil {
				return fmt.Errorf("invalid multiplier: %w", err)
			}
			action = engine.Approve(m)
		case "deny":
			action = engine.Deny()
		default:
			return fmt.Errorf("unknown action: %q", cctx.Args().Get(2))
		}

		srv, eng, err := offlineEngine(cctx, cctx.Args().Get(0))
		if err != nil {
			return err
		}
		defer srv.store.Close()
		id := cctx.Args().Get(1)
		err = eng.Judge(cctx.Context, engine.ReviewerAction{
			Category:     eng.Category(),
			SubmissionID: id,
			ReviewerID:   cctx.String("reviewer"),
			Action:       action,
		})
		if err != nil {
			return err
		}
		sub, err := eng.Get(cctx.Context, id)
		if err != nil {
			return err
		}
		return printJSON(sub)
	},
}

var balanceCmd = &cli.Command{
	Name:      "balance",
	Usage:     "print a user's point balance in a category",
	ArgsUsage: "<category> <user-id>",
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() != 2 {
			return fmt.Errorf("expected category and user arguments")
		}
		srv, _, err := offlineEngine(cctx, cctx.Args().Get(0))
		if err != nil {
			return err
		}
		defer srv.store.Close()
		bal, err := srv.ledger.Balance(cctx.Context, cctx.Args().Get(0), cctx.Args().Get(1))
		if err != nil {
			return err
		}
		fmt.Println(bal)
		return nil
	},
}
