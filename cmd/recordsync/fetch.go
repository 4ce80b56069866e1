package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Sternrassler/recordsync/pkg/client"
	"github.com/Sternrassler/recordsync/pkg/engine"
	"github.com/Sternrassler/recordsync/pkg/logging"
	"github.com/Sternrassler/recordsync/pkg/pagination"
	"github.com/Sternrassler/recordsync/pkg/record"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type fetchOptions struct {
	Search          string
	Filters         []string
	Max             int
	PageSize        int
	ExplicitHasMore bool
	Aggregate       bool
}

func newFetchCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &fetchOptions{}

	cmd := &cobra.Command{
		Use:   "fetch <resource>",
		Short: "Page through a resource and print records as JSON lines",
		Long: `Page through a remote collection and print one JSON record per line.

Offset pagination is used up to the API's offset ceiling and cursor
pagination beyond it. Records are deduplicated by ID.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if opts.PageSize > 0 {
				cfg.API.PageSize = opts.PageSize
			}

			logCfg := cfg.LoggingConfig()
			logCfg.Output = cmd.ErrOrStderr()
			logging.Setup(logCfg)
			logger := logging.NewLogger("fetch")

			filters, err := parseFilters(opts.Filters)
			if err != nil {
				return err
			}

			st, closeStore, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer closeStore()

			c, err := newClient(cfg, st)
			if err != nil {
				return err
			}

			kind := client.KindLookup
			if opts.Aggregate {
				kind = client.KindAggregate
			}
			fetcher := engine.NewRemoteFetcher[record.Generic](c, engine.Endpoint{
				Kind:            kind,
				ExplicitHasMore: opts.ExplicitHasMore,
			})

			ctrl := pagination.New[record.Generic, record.Query](fetcher, cfg.PaginationConfig(), logger)
			ctrl.Reset(record.NewQuery(args[0], opts.Search, filters))

			n, err := drain(cmd, ctrl, cmd.OutOrStdout(), opts.Max, logger)
			logger.Info().Int("records", n).Msg("Fetch complete")
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.Search, "search", "s", "", "search term")
	cmd.Flags().StringArrayVarP(&opts.Filters, "filter", "f", nil, "filter as key=value (repeatable)")
	cmd.Flags().IntVarP(&opts.Max, "max", "n", 0, "stop after this many records (0 = all)")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 0, "records per page (overrides api.page_size)")
	cmd.Flags().BoolVar(&opts.ExplicitHasMore, "explicit-has-more", false, "trust the hasMore flag returned by the API")
	cmd.Flags().BoolVar(&opts.Aggregate, "aggregate", false, "use the aggregate endpoint timeout")

	return cmd
}

// drain loads pages until the Window is exhausted or limit records were
// written, writing each newly merged record as one JSON line.
func drain(cmd *cobra.Command, ctrl *pagination.Controller[record.Generic, record.Query], w io.Writer, limit int, logger zerolog.Logger) (int, error) {
	enc := json.NewEncoder(w)
	written := 0

	for {
		out, err := ctrl.LoadMore(cmd.Context())
		if errors.Is(err, pagination.ErrExhausted) {
			if out.Degraded {
				logger.Warn().Int("records", written).Msg("Stopped at the offset ceiling: the API returned no cursor")
			}
			return written, nil
		}
		if err != nil {
			return written, err
		}

		records := ctrl.Records()
		for _, r := range records[written:] {
			if limit > 0 && written >= limit {
				return written, nil
			}
			if err := enc.Encode(r); err != nil {
				return written, fmt.Errorf("write record: %w", err)
			}
			written++
		}
		if limit > 0 && written >= limit {
			return written, nil
		}
	}
}

func parseFilters(raw []string) (url.Values, error) {
	filters := make(url.Values, len(raw))
	for _, f := range raw {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q: want key=value", f)
		}
		filters.Add(key, value)
	}
	return filters, nil
}
