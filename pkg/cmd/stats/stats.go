package stats

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/mpapenbr/zenride/pkg/cmd/cmdutil"
	"github.com/mpapenbr/zenride/pkg/config"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/session"
)

var (
	withRecords    bool
	bookmarkedOnly bool
)

func NewStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "prints the ride statistics of the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return showStats(ctx, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&config.Store, "store", cmdutil.StoreBadger,
		"record storage (badger, postgres)")
	cmd.Flags().StringVar(&config.BadgerPath, "badger-path", "zenride-data",
		"directory of the badger store")
	cmd.Flags().BoolVar(&withRecords, "records", false, "include the drive records")
	cmd.Flags().BoolVar(&bookmarkedOnly, "bookmarked", false,
		"only include bookmarked records (implies --records)")
	return cmd
}

type output struct {
	Stats   model.StoreStats    `json:"stats"`
	Records []model.DriveRecord `json:"records,omitempty"`
}

func showStats(ctx context.Context, w io.Writer) error {
	sqlLogger := cmdutil.SetupLogger()
	repo, closeRepo, err := cmdutil.OpenRepository(ctx, sqlLogger)
	if err != nil {
		return err
	}
	defer closeRepo()
	store := session.NewStore(
		session.WithRepository(repo),
		session.WithLocation(cmdutil.Location()))
	if err := store.Load(ctx); err != nil {
		return err
	}
	return writeStats(w, store)
}

func writeStats(w io.Writer, store *session.Store) error {
	out := output{Stats: store.Stats()}
	switch {
	case bookmarkedOnly:
		out.Records = store.Bookmarked()
	case withRecords:
		out.Records = store.Records()
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
