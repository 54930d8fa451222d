package furnace

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/edgeflare/furnace/pkg/httputil"
	"github.com/edgeflare/furnace/pkg/poller"
	"github.com/edgeflare/furnace/pkg/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow readings from a running relay",
	Long:  `Poll a relay's HTTP API and print every new reading as it arrives.`,
	Args:  cobra.NoArgs,
	RunE:  runTail,
}

func init() {
	f := tailCmd.Flags()
	f.StringP("server", "s", "http://localhost:3000", "relay base URL")
	f.DurationP("interval", "i", poller.DefaultInterval, "poll interval")
	f.IntP("limit", "n", 10, "readings fetched per poll")
	f.StringP("format", "f", "json", "output format (json, csv)")
}

func runTail(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	server, _ := flags.GetString("server")
	interval, _ := flags.GetDuration("interval")
	limit, _ := flags.GetInt("limit")
	format, _ := flags.GetString("format")

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var loc *time.Location
	if cfg != nil {
		if loc, err = cfg.Location(); err != nil {
			return err
		}
	}
	emit, flush, err := readingPrinter(cmd.OutOrStdout(), format, loc)
	if err != nil {
		return err
	}
	defer flush()

	fetch, err := latestFetcher(server, limit, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &poller.Poller{Interval: interval, Fetch: fetch, Logger: logger.Named("poller")}
	if err := p.Run(ctx, func(r telemetry.Reading) { emit(r); flush() }); !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Debug("tail stopped", zap.Uint64("skipped_polls", p.Skipped()))
	return nil
}

// latestFetcher returns a FetchFunc that reads GET /api/messages?limit=n.
func latestFetcher(server string, limit int, logger *zap.Logger) (poller.FetchFunc, error) {
	u, err := url.Parse(strings.TrimSuffix(server, "/") + "/api/messages")
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	u.RawQuery = url.Values{"limit": {strconv.Itoa(max(limit, 1))}}.Encode()

	return func(ctx context.Context) ([]telemetry.Reading, error) {
		rc := httputil.DefaultRequestConfig(http.MethodGet, u.String())
		rc.Logger = logger
		var readings []telemetry.Reading
		if err := httputil.GetJSON(ctx, rc, &readings); err != nil {
			return nil, err
		}
		return readings, nil
	}, nil
}

func readingPrinter(w io.Writer, format string, loc *time.Location) (emit func(telemetry.Reading), flush func(), err error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		return func(r telemetry.Reading) { _ = enc.Encode(r) }, func() {}, nil
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write(telemetry.CSVHeader)
		return func(r telemetry.Reading) { _ = cw.Write(telemetry.CSVRecord(r, loc)) }, cw.Flush, nil
	default:
		return nil, nil, fmt.Errorf("unsupported format %q", format)
	}
}
