package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/blackmichael/statusphere/internal/bluesky"
	"github.com/blackmichael/statusphere/internal/domain"
	"github.com/blackmichael/statusphere/internal/firehose"
	"github.com/blackmichael/statusphere/internal/sqlstore"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "statusctl",
		Usage: "operator tool for the status service",
		Before: func(cctx *cli.Context) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Usage:   "database URL (sqlite://path or postgres://...)",
				Value:   "sqlite://statusphere.sqlite3",
				EnvVars: []string{"DATABASE_URL"},
			},
		},
	}

	accountFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     "handle",
			Usage:    "account handle or DID",
			EnvVars:  []string{"BLUESKY_HANDLE"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "password",
			Usage:    "app password",
			EnvVars:  []string{"BLUESKY_APP_PASSWORD"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "pds",
			Usage:   "PDS service URL",
			Value:   "https://bsky.social",
			EnvVars: []string{"PDS_URL"},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "set",
			Usage: "set a status in the account's repository",
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "emoji", Usage: "emoji or custom:<name>", Required: true},
				&cli.StringFlag{Name: "text", Usage: "optional text"},
				&cli.StringFlag{Name: "expires", Usage: "expire after a duration such as 30m, 2h, 1d or 1w"},
			}, accountFlags...),
			Action: runSet,
		},
		{
			Name:   "clear",
			Usage:  "delete the account's current status",
			Flags:  accountFlags,
			Action: runClear,
		},
		{
			Name:      "hide",
			Usage:     "hide a status from feeds",
			ArgsUsage: "<at-uri>",
			Action:    func(cctx *cli.Context) error { return runSetHidden(cctx, true) },
		},
		{
			Name:      "unhide",
			Usage:     "show a hidden status again",
			ArgsUsage: "<at-uri>",
			Action:    func(cctx *cli.Context) error { return runSetHidden(cctx, false) },
		},
		{
			Name:   "cursor",
			Usage:  "print the persisted Jetstream cursor",
			Action: runCursor,
		},
	}
	app.RunAndExitOnError()
}

func login(cctx *cli.Context) (*bluesky.Client, error) {
	client := bluesky.NewClient(cctx.String("pds"))
	fmt.Printf("Logging in as %s...\n", cctx.String("handle"))
	if _, err := client.Login(cctx.Context, cctx.String("handle"), cctx.String("password")); err != nil {
		return nil, err
	}
	fmt.Printf("Authenticated as %s\n", client.DID())
	return client, nil
}

func openStore(cctx *cli.Context) (*sqlstore.Repository, error) {
	repo, err := sqlstore.NewRepository(cctx.Context, cctx.String("db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return repo, nil
}

func runSet(cctx *cli.Context) error {
	rec, err := domain.NewStatusRecord(domain.StatusInput{
		Emoji:     cctx.String("emoji"),
		Text:      cctx.String("text"),
		ExpiresIn: cctx.String("expires"),
	}, time.Now())
	if err != nil {
		return err
	}

	client, err := login(cctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cctx.Context, 30*time.Second)
	defer cancel()
	uri, err := client.CreateRecord(ctx, domain.StatusCollection, rec)
	if err != nil {
		return err
	}
	fmt.Printf("Status set: %s\n", uri)
	return nil
}

// runClear finds the current status in the store and deletes it from the
// repository. The firehose removes the row.
func runClear(cctx *cli.Context) error {
	client, err := login(cctx)
	if err != nil {
		return err
	}

	repo, err := openStore(cctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	latest, err := repo.LatestStatusForAuthor(cctx.Context, client.DID())
	if errors.Is(err, domain.ErrNotFound) {
		fmt.Println("No status to clear")
		return nil
	}
	if err != nil {
		return err
	}

	_, collection, rkey, err := domain.ParseRecordURI(latest.URI)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cctx.Context, 30*time.Second)
	defer cancel()
	if err := client.DeleteRecord(ctx, collection, rkey); err != nil {
		return err
	}
	fmt.Printf("Status cleared: %s\n", latest.URI)
	return nil
}

func runSetHidden(cctx *cli.Context, hidden bool) error {
	uri := cctx.Args().First()
	if _, _, _, err := domain.ParseRecordURI(uri); err != nil {
		return fmt.Errorf("need a status at-uri as the argument: %w", err)
	}

	repo, err := openStore(cctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.SetStatusHidden(cctx.Context, uri, hidden); err != nil {
		return err
	}
	fmt.Printf("%s hidden=%t\n", uri, hidden)
	return nil
}

func runCursor(cctx *cli.Context) error {
	repo, err := openStore(cctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	cursor, err := repo.GetCursor(cctx.Context, firehose.CursorServiceName)
	if err != nil {
		return err
	}
	if cursor == 0 {
		fmt.Println("No cursor saved")
		return nil
	}
	fmt.Printf("%d (%s)\n", cursor, time.UnixMicro(cursor).UTC().Format(time.RFC3339))
	return nil
}
