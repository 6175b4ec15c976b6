package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/juju/errors"
	"github.com/urfave/cli/v3"

	"github.com/livinlefevreloca/docfeed/internal/changes"
	"github.com/livinlefevreloca/docfeed/internal/checkpoint"
	"github.com/livinlefevreloca/docfeed/internal/events"
)

func newPollCommand() *cli.Command {
	return &cli.Command{
		Name:      "poll",
		Usage:     "Poll every database once, or the named ones, and exit",
		ArgsUsage: "[database...]",
		Action:    runPoll,
	}
}

func runPoll(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, database, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	checkpoints := checkpoint.NewStore(database, cfg.Aggregator.AdminDatabase, nil, logger)
	if err := checkpoints.EnsureAvailable(ctx); err != nil {
		return errors.Annotate(err, "checkpoint store unavailable")
	}

	aggregator := changes.New(database, checkpoints, events.NewBus(), cfg.Aggregator, logger, nil)

	names := cmd.Args().Slice()
	if len(names) == 0 {
		return errors.Trace(aggregator.PollAllDatabases(ctx))
	}

	w := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATABASE\tSINCE\tLAST SEQ\tEMITTED\tCOMMITTED")
	for _, name := range names {
		res, err := aggregator.PollDatabase(ctx, name)
		if err != nil {
			w.Flush()
			return errors.Annotatef(err, "polling %s", name)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\n",
			res.Database,
			orDash(res.Since),
			orDash(res.LastSeq),
			res.Emitted,
			res.Committed,
		)
	}
	return w.Flush()
}

func newCheckpointsCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkpoints",
		Usage: "List committed checkpoints",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, database, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer database.Close()

			checkpoints := checkpoint.NewStore(database, cfg.Aggregator.AdminDatabase, nil, logger)
			list, err := checkpoints.List(ctx)
			if err != nil {
				return errors.Trace(err)
			}

			out := cmd.Root().Writer
			if len(list) == 0 {
				fmt.Fprintln(out, "No checkpoints found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATABASE\tSEQ\tUPDATED")
			for _, cp := range list {
				updated := "-"
				if !cp.UpdatedAt.IsZero() {
					updated = cp.UpdatedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", cp.Database, cp.Seq, updated)
			}
			return w.Flush()
		},
	}
}

func newDatabaseCommand() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "Manage databases in the document store",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all databases",
				Action: runDatabaseList,
			},
			{
				Name:      "create",
				Usage:     "Create a database",
				ArgsUsage: "<name>",
				Action:    runDatabaseCreate,
			},
			{
				Name:      "delete",
				Usage:     "Delete a database and its documents",
				ArgsUsage: "<name>",
				Action:    runDatabaseDelete,
			},
		},
		DefaultCommand: "list",
	}
}

func runDatabaseList(ctx context.Context, cmd *cli.Command) error {
	_, _, database, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	names, err := database.ListDatabases(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	out := cmd.Root().Writer
	if len(names) == 0 {
		fmt.Fprintln(out, "No databases found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUPDATE SEQ\tCREATED")
	for _, name := range names {
		info, err := database.GetDatabase(ctx, name)
		if err != nil {
			w.Flush()
			return errors.Trace(err)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n",
			info.Name,
			info.UpdateSeq,
			info.CreatedAt.Local().Format(time.DateTime),
		)
	}
	return w.Flush()
}

func runDatabaseCreate(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return errors.New("usage: docfeed db create <name>")
	}

	_, _, database, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.CreateDatabase(ctx, name); err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintf(cmd.Root().Writer, "created %s\n", name)
	return nil
}

func runDatabaseDelete(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return errors.New("usage: docfeed db delete <name>")
	}

	_, _, database, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.DeleteDatabase(ctx, name); err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintf(cmd.Root().Writer, "deleted %s\n", name)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
