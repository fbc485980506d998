package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	whttp "walstore/internal/http"
	"walstore/pkg/config"
	"walstore/pkg/store"
	"walstore/pkg/volume"
	"walstore/pkg/wal"
)

// target is a store reached either by opening its files or through a
// running server.
type target interface {
	Put(ctx context.Context, data []byte) (uint64, error)
	Get(ctx context.Context, recid uint64) ([]byte, error)
	Delete(ctx context.Context, recid uint64) error
	Commit(ctx context.Context) error
	Compact(ctx context.Context) error
	Stats(ctx context.Context) (store.Stats, error)
	Close() error
}

type localTarget struct {
	s *store.Store
}

func (t localTarget) Put(_ context.Context, data []byte) (uint64, error)  { return t.s.Put(data) }
func (t localTarget) Get(_ context.Context, recid uint64) ([]byte, error) { return t.s.Get(recid) }
func (t localTarget) Delete(_ context.Context, recid uint64) error        { return t.s.Delete(recid) }
func (t localTarget) Commit(context.Context) error                        { return t.s.Commit() }
func (t localTarget) Compact(ctx context.Context) error                   { return t.s.Compact(ctx) }
func (t localTarget) Stats(context.Context) (store.Stats, error)          { return t.s.Stats() }
func (t localTarget) Close() error                                        { return t.s.Close() }

type remoteTarget struct {
	*whttp.Client
}

func (remoteTarget) Close() error { return nil }

func targetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "path",
			Aliases: []string{"p"},
			Usage:   "main file of the store, overriding store.path of the config",
			EnvVars: []string{"WALSTORE_PATH"},
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   "walstore.yaml",
			Usage:   "YAML config file supplying the store settings",
			EnvVars: []string{"WALSTORE_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "address of a running walstore server, used instead of --path",
			EnvVars: []string{"WALSTORE_ADDR"},
		},
	}
}

func openTarget(c *cli.Context) (target, error) {
	if addr := c.String("addr"); addr != "" {
		return remoteTarget{whttp.NewClient(addr)}, nil
	}

	cfg, err := initConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	// store.path of the default config is only a server default; one-shot
	// commands use it when the config was named explicitly
	path := c.String("path")
	if path == "" && c.IsSet("config") {
		path = cfg.Store.Path
	}
	opts, err := localOptions(cfg.Store, path)
	if err != nil {
		return nil, err
	}
	if opts.Logger, err = cliLogger(c); err != nil {
		return nil, err
	}

	s, err := store.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open store %s", path)
	}
	return localTarget{s}, nil
}

// localOptions maps the store config onto a one-shot run against path.
func localOptions(sc config.StoreConfig, path string) (store.Options, error) {
	if path == "" {
		return store.Options{}, errors.New("either --path, --config or --addr is required")
	}
	if volume.Kind(sc.Volume) == volume.KindMemory {
		return store.Options{}, errors.New("a memory store lives in its server; use --addr")
	}
	opts := sc.Options()
	// the store closes right after the command, before a background
	// compaction could finish
	opts.AutoCompact = false
	return opts, nil
}

// withTarget runs fn against the target and closes it afterwards.
func withTarget(c *cli.Context, fn func(t target) error) error {
	t, err := openTarget(c)
	if err != nil {
		return err
	}
	err = fn(t)
	if cerr := t.Close(); err == nil {
		err = cerr
	}
	return err
}

func recidArg(c *cli.Context) (uint64, error) {
	if c.NArg() != 1 {
		return 0, errors.New("expected exactly one recid argument")
	}
	recid, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil || recid == 0 {
		return 0, errors.Errorf("bad recid %q", c.Args().First())
	}
	return recid, nil
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "store a new record and commit it, printing its recid",
		ArgsUsage: "[value]",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{Name: "stdin", Usage: "read the value from standard input"},
			&cli.BoolFlag{Name: "null", Usage: "store a null record"},
		}, targetFlags()...),
		Action: func(c *cli.Context) error {
			var data []byte
			switch {
			case c.Bool("null"):
			case c.Bool("stdin"):
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return errors.Wrap(err, "read stdin")
				}
				data = b
			case c.NArg() == 1:
				data = []byte(c.Args().First())
			default:
				return errors.New("expected a value argument, --stdin or --null")
			}
			if data == nil && !c.Bool("null") {
				data = []byte{}
			}

			return withTarget(c, func(t target) error {
				recid, err := t.Put(c.Context, data)
				if err != nil {
					return err
				}
				if err := t.Commit(c.Context); err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, recid)
				return nil
			})
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "print the body of a record",
		ArgsUsage: "<recid>",
		Flags:     targetFlags(),
		Action: func(c *cli.Context) error {
			recid, err := recidArg(c)
			if err != nil {
				return err
			}
			return withTarget(c, func(t target) error {
				data, err := t.Get(c.Context, recid)
				if err != nil {
					return err
				}
				if data == nil {
					fmt.Fprintln(c.App.ErrWriter, "null record")
					return nil
				}
				_, err = c.App.Writer.Write(data)
				return err
			})
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "delete a record and commit",
		ArgsUsage: "<recid>",
		Flags:     targetFlags(),
		Action: func(c *cli.Context) error {
			recid, err := recidArg(c)
			if err != nil {
				return err
			}
			return withTarget(c, func(t target) error {
				if err := t.Delete(c.Context, recid); err != nil {
					return err
				}
				return t.Commit(c.Context)
			})
		},
	}
}

func printStats(w io.Writer, st store.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func compactCommand() *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "rewrite the main file without garbage",
		Flags: targetFlags(),
		Action: func(c *cli.Context) error {
			return withTarget(c, func(t target) error {
				if err := t.Compact(c.Context); err != nil {
					return err
				}
				st, err := t.Stats(c.Context)
				if err != nil {
					return err
				}
				return printStats(c.App.Writer, st)
			})
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print store statistics as JSON",
		Flags: targetFlags(),
		Action: func(c *cli.Context) error {
			return withTarget(c, func(t target) error {
				st, err := t.Stats(c.Context)
				if err != nil {
					return err
				}
				return printStats(c.App.Writer, st)
			})
		},
	}
}

func walDumpCommand() *cli.Command {
	return &cli.Command{
		Name:  "wal-dump",
		Usage: "print the verified entries of a store's write-ahead log without modifying it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "path",
				Aliases:  []string{"p"},
				Usage:    "main file of the store",
				Required: true,
			},
			&cli.BoolFlag{Name: "payload", Usage: "print record and byte array payloads"},
		},
		Action: func(c *cli.Context) error {
			logger, err := cliLogger(c)
			if err != nil {
				return err
			}
			log, err := wal.OpenReadOnly(c.String("path"), logger)
			if err != nil {
				return errors.Wrap(err, "open log")
			}
			defer log.Close()

			if !log.HasSegments() {
				fmt.Fprintln(c.App.Writer, "no log segments")
				return nil
			}
			return dumpLog(c.App.Writer, log, c.Bool("payload"), logger)
		},
	}
}

func dumpLog(w io.Writer, log *wal.WAL, payload bool, logger logrus.FieldLogger) error {
	entries := 0
	err := log.Replay(func(e wal.Event) error {
		switch e.Kind {
		case wal.KindBeforeReplayStart, wal.KindBeforeDestroy:
			return nil
		case wal.KindLong:
			fmt.Fprintf(w, "%-11s offset=%d value=%#x\n", e.Kind, e.Offset, e.Value)
		case wal.KindByteArray:
			fmt.Fprintf(w, "%-11s offset=%d length=%d\n", e.Kind, e.Offset, e.Length)
		case wal.KindRecord:
			fmt.Fprintf(w, "%-11s recid=%d pointer=%s length=%d null=%t\n",
				e.Kind, e.Recid, e.Pointer, e.Length, e.Volume == nil)
		case wal.KindTombstone, wal.KindPreallocate:
			fmt.Fprintf(w, "%-11s recid=%d\n", e.Kind, e.Recid)
		default:
			fmt.Fprintf(w, "%s\n", e.Kind)
		}
		entries++

		if payload && (e.Kind == wal.KindRecord || e.Kind == wal.KindByteArray) {
			b, err := e.Bytes()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  %q\n", b)
		}
		return nil
	})
	logger.WithFields(logrus.Fields{"action": "wal_dump", "entries": entries}).Debug("log dumped")
	return err
}
