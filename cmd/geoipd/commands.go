package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"geoipd/internal/lookup"
	"geoipd/internal/store"
)

func newLookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <ip>",
		Short: "Look up an address in the local databases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			p, err := printerFromCmd(cmd)
			if err != nil {
				return err
			}
			edition, _ := cmd.Flags().GetString("edition")
			locale, _ := cmd.Flags().GetString("locale")

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			a.loadNewest()

			res, err := a.lookup.Lookup(cmd.Context(), lookup.Query{Edition: edition, IP: args[0], Locale: locale})
			if err != nil {
				return err
			}
			if p.format == "json" {
				return p.json(res)
			}
			p.kv(resultPairs(res))
			return nil
		},
	}
	cmd.Flags().String("edition", "", "database edition (default: first configured)")
	cmd.Flags().String("locale", "", "locale for names")
	return cmd
}

func resultPairs(res *lookup.Result) [][2]string {
	pairs := [][2]string{
		{"IP", res.IP.String()},
		{"Edition", res.Edition},
		{"Version", res.Version.UTC().Format(time.RFC3339)},
	}
	if res.Info == nil {
		return append(pairs, [2]string{"Result", "not found"})
	}
	info := res.Info
	add := func(k, v string) {
		if v != "" {
			pairs = append(pairs, [2]string{k, v})
		}
	}
	add("Network", res.Network)
	add("Continent", info.ContinentName)
	add("Country", joinNonEmpty(info.CountryName, info.CountryISOCode))
	for _, sd := range info.Subdivisions {
		add("Subdivision", joinNonEmpty(sd.Name, sd.ISOCode))
	}
	add("City", info.CityName)
	add("Postal code", info.PostalCode)
	add("Time zone", info.TimeZone)
	if info.Latitude != nil && info.Longitude != nil {
		add("Location", fmt.Sprintf("%.4f, %.4f", *info.Latitude, *info.Longitude))
	}
	if info.AutonomousSystemNumber != 0 {
		add("ASN", "AS"+strconv.FormatUint(uint64(info.AutonomousSystemNumber), 10))
	}
	add("Organization", info.AutonomousSystemOrganization)
	return pairs
}

func joinNonEmpty(name, code string) string {
	switch {
	case name == "":
		return code
	case code == "":
		return name
	default:
		return name + " (" + code + ")"
	}
}

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch [edition...]",
		Short: "Check for and install new database versions now",
		Long:  "Runs one update check per edition regardless of when the last check happened, installs any newer version and prunes older ones.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			p, err := printerFromCmd(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.EnsureExists(); err != nil {
				return err
			}
			a.manager.LoadLocal()

			editions := args
			if len(editions) == 0 {
				editions = a.registry.Editions()
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			ctx, cancelTimeout := withTimeout(ctx, cfg.Update.Timeout*time.Duration(cfg.Update.MaxAttempts))
			defer cancelTimeout()

			var errs []error
			for _, ed := range editions {
				if err := a.manager.Refresh(ctx, ed); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", ed, err))
				}
			}

			st := a.manager.Status()
			if p.format == "json" {
				if err := p.json(st); err != nil {
					return err
				}
			} else {
				rows := make([][]string, 0, len(st.Editions))
				for _, e := range st.Editions {
					ts := "-"
					if e.Installed {
						ts = e.Timestamp.UTC().Format(time.RFC3339)
					}
					rows = append(rows, []string{e.Edition, ts, formatSize(e.Size), e.LastError})
				}
				p.table([]string{"EDITION", "VERSION", "SIZE", "ERROR"}, rows)
			}
			return errors.Join(errs...)
		},
	}
}

type versionRow struct {
	Edition   string    `json:"edition"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Archive   string    `json:"archive,omitempty"`
}

func newVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List database versions in the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			p, err := printerFromCmd(cmd)
			if err != nil {
				return err
			}

			scanned := store.New(cfg.DataDir, logger).Scan()
			var out []versionRow
			for _, ed := range cfg.MaxMind.Editions {
				for _, vf := range scanned[ed] {
					out = append(out, versionRow{Edition: ed, Timestamp: vf.Timestamp, Path: vf.Path, Archive: vf.ArchivePath})
				}
				delete(scanned, ed)
			}
			// Versions of editions that are no longer configured.
			for _, ed := range slices.Sorted(maps.Keys(scanned)) {
				for _, vf := range scanned[ed] {
					out = append(out, versionRow{Edition: ed, Timestamp: vf.Timestamp, Path: vf.Path, Archive: vf.ArchivePath})
				}
			}

			if p.format == "json" {
				return p.json(out)
			}
			rows := make([][]string, 0, len(out))
			for _, v := range out {
				archive := "no"
				if v.Archive != "" {
					archive = "yes"
				}
				rows = append(rows, []string{v.Edition, v.Timestamp.Format(store.TimestampLayout), archive, v.Path})
			}
			p.table([]string{"EDITION", "VERSION", "ARCHIVE", "PATH"}, rows)
			return nil
		},
	}
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
