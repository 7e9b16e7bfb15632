package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/federa/db"
	"github.com/deemkeen/federa/federation"
	"github.com/deemkeen/federa/util"
	"github.com/deemkeen/federa/web"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    util.Name,
		Usage:   "federation node for authors, entries and follows",
		Version: util.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config.yaml (default: ./config.yaml or the user config dir)",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "sqlite database path, overrides dbPath from the config",
			},
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:  "serve",
			Usage: "run the HTTP server peers talk to",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "sync",
					Usage: "pull from every active node periodically",
				},
			},
			Action: runServe,
		},
		{
			Name:   "sync",
			Usage:  "pull authors and entries from peers once",
			Flags:  []cli.Flag{&cli.StringFlag{Name: "node", Usage: "only sync this node (name or host)"}},
			Action: runSync,
		},
		nodesCommand,
		authorsCommand,
		entriesCommand,
		followCommand,
		{
			Name:      "like",
			Usage:     "like an entry or comment",
			ArgsUsage: "<target url>",
			Flags:     []cli.Flag{authorFlag},
			Action:    runLike,
		},
		{
			Name:      "comment",
			Usage:     "comment on an entry",
			ArgsUsage: "<entry url> <text>",
			Flags: []cli.Flag{
				authorFlag,
				&cli.StringFlag{Name: "content-type", Value: "text/plain"},
			},
			Action: runComment,
		},
		inboxCommand,
		{
			Name:   "resend",
			Usage:  "re-run the fan-out of a local entry",
			Flags:  []cli.Flag{&cli.StringFlag{Name: "entry", Usage: "entry id or url", Required: true}},
			Action: runResend,
		},
	}
	app.RunAndExitOnError()
}

// openNode loads the configuration and opens the database behind a federation engine
func openNode(cctx *cli.Context) (*util.AppConfig, *federation.Federation, error) {
	var conf *util.AppConfig
	var err error
	if path := cctx.String("config"); path != "" {
		conf, err = util.ReadConfFile(path)
	} else {
		conf, err = util.ReadConf()
	}
	if err != nil {
		return nil, nil, err
	}

	dbPath := conf.Conf.DbPath
	if p := cctx.String("db"); p != "" {
		dbPath = p
	}
	if dbPath != ":memory:" {
		dbPath = util.ResolveFilePath(dbPath)
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return conf, federation.New(database, federation.ConfigFrom(conf), nil), nil
}

func runServe(cctx *cli.Context) error {
	conf, fed, err := openNode(cctx)
	if err != nil {
		return err
	}
	defer fed.DB.Close()

	log.Printf("Starting %s", util.GetNameAndVersion())
	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cctx.Bool("sync") || conf.Conf.WithSync || conf.Conf.SyncInterval > 0 {
		interval := conf.Conf.SyncInterval
		if interval <= 0 {
			interval = 10 * time.Minute
		}
		fed.Syncer.Start(ctx, interval)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if err := web.Router(conf, fed); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping federation server")
	return nil
}

func runSync(cctx *cli.Context) error {
	_, fed, err := openNode(cctx)
	if err != nil {
		return err
	}
	defer fed.DB.Close()
	ctx := cctx.Context

	if name := cctx.String("node"); name != "" {
		node, err := fed.Registry.FindByName(ctx, name)
		if err != nil {
			return fmt.Errorf("node %s: %w", name, err)
		}
		run, err := fed.Syncer.SyncNode(ctx, *node, 0)
		printRun(node.Name, run)
		return err
	}

	runs, err := fed.Syncer.SyncAll(ctx)
	if err != nil {
		return err
	}
	nodes, err := fed.Registry.List(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]string)
	for _, n := range nodes {
		names[n.Id.String()] = n.Name
	}
	for _, run := range runs {
		printRun(names[run.NodeId.String()], run)
	}
	return nil
}
