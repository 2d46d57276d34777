package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/hallsync/internal/model"
)

var correctionsCmd = &cobra.Command{
	Use:   "corrections",
	Short: "Manage manually verified machine records",
}

// -- corrections import --

var correctionsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import corrections from a YAML or JSON file",
	Long: "Reads corrections from a .yaml, .yml or .json file. Entries naming a failure_id " +
		"resolve that failure. With --apply the rows are also written into staging.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		apply, _ := cmd.Flags().GetBool("apply")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "corrections import: read file")
		}
		rows, err := parseCorrections(args[0], data, cfg.Reconcile.Source)
		if err != nil {
			return err
		}

		st, err := initStaging(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.AddCorrections(ctx, rows)
		if err != nil {
			return eris.Wrap(err, "corrections import")
		}
		fmt.Fprintf(os.Stderr, "Imported %d corrections.\n", n)

		if apply {
			staged := make([]model.StagingRow, 0, len(rows))
			for _, c := range rows {
				r := c.StagingRow
				r.Normalize()
				staged = append(staged, r)
			}
			written, err := st.RestoreRows(ctx, staged)
			if err != nil {
				return eris.Wrap(err, "corrections import: apply to staging")
			}
			fmt.Fprintf(os.Stderr, "Wrote %d rows to staging.\n", written)
		}
		return nil
	},
}

// -- corrections list --

var correctionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List corrections for a date and venue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		date, _ := cmd.Flags().GetString("date")
		venue, _ := cmd.Flags().GetString("venue")
		if date == "" || venue == "" {
			return eris.New("corrections list: --date and --venue are required")
		}

		st, err := initStaging(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rows, err := st.ListCorrections(ctx, date, venue)
		if err != nil {
			return eris.Wrap(err, "corrections list")
		}
		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No corrections found.")
			return nil
		}
		formatCorrections(os.Stdout, rows)
		return nil
	},
}

// -- corrections delete --

var correctionsDeleteCmd = &cobra.Command{
	Use:   "delete <correction-id>",
	Short: "Remove a stored correction",
	Long:  "Removes the correction from the correction table. Rows already written into staging are left as they are.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStaging(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DeleteCorrection(ctx, args[0]); err != nil {
			return eris.Wrap(err, "corrections delete")
		}
		fmt.Fprintf(os.Stderr, "Correction %s deleted.\n", args[0])
		return nil
	},
}

func init() {
	correctionsImportCmd.Flags().Bool("apply", false, "also write the corrected rows into staging")
	correctionsListCmd.Flags().String("date", "", "date (YYYY-MM-DD)")
	correctionsListCmd.Flags().String("venue", "", "venue name")

	correctionsCmd.AddCommand(correctionsImportCmd)
	correctionsCmd.AddCommand(correctionsListCmd)
	correctionsCmd.AddCommand(correctionsDeleteCmd)
	rootCmd.AddCommand(correctionsCmd)
}

type correctionEntry struct {
	Date          string `yaml:"date" json:"date"`
	Venue         string `yaml:"venue" json:"venue"`
	Machine       string `yaml:"machine" json:"machine"`
	MachineNumber int    `yaml:"machine_number" json:"machine_number"`
	Diff          int    `yaml:"diff" json:"diff"`
	Games         int    `yaml:"games" json:"games"`
	Big           int    `yaml:"big" json:"big"`
	Reg           int    `yaml:"reg" json:"reg"`
	CombinedRate  string `yaml:"combined_rate" json:"combined_rate"`
	MaxSwing      int    `yaml:"max_swing" json:"max_swing"`
	MaxDrawdown   int    `yaml:"max_drawdown" json:"max_drawdown"`
	Source        string `yaml:"source" json:"source"`
	FailureID     string `yaml:"failure_id" json:"failure_id"`
	Notes         string `yaml:"notes" json:"notes"`
}

type correctionFile struct {
	Corrections []correctionEntry `yaml:"corrections" json:"corrections"`
}

// parseCorrections decodes a corrections file chosen by extension. Entries
// without a source take defaultSource.
func parseCorrections(path string, data []byte, defaultSource string) ([]model.CorrectionRow, error) {
	var file correctionFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, eris.Wrap(err, "corrections: decode yaml")
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return nil, eris.Wrap(err, "corrections: decode json")
		}
	default:
		return nil, eris.Errorf("corrections: unsupported file type %q", filepath.Ext(path))
	}

	out := make([]model.CorrectionRow, 0, len(file.Corrections))
	for i, e := range file.Corrections {
		if e.Machine == "" || e.MachineNumber <= 0 {
			return nil, eris.Errorf("corrections: entry %d needs machine and a positive machine_number", i+1)
		}
		if e.Source == "" {
			e.Source = defaultSource
		}
		row := model.StagingRow{
			Date:          e.Date,
			Venue:         e.Venue,
			Machine:       e.Machine,
			MachineNumber: e.MachineNumber,
			Diff:          e.Diff,
			Games:         e.Games,
			Big:           e.Big,
			Reg:           e.Reg,
			CombinedRate:  e.CombinedRate,
			MaxSwing:      e.MaxSwing,
			MaxDrawdown:   e.MaxDrawdown,
			Source:        e.Source,
		}
		row.Normalize()
		if err := row.Validate(); err != nil {
			return nil, eris.Wrapf(err, "corrections: entry %d", i+1)
		}
		out = append(out, model.CorrectionRow{StagingRow: row, FailureID: e.FailureID, Notes: e.Notes})
	}
	return out, nil
}

// formatCorrections writes a tabular list of corrections to out.
func formatCorrections(out io.Writer, rows []model.CorrectionRow) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MACHINE\tNUMBER\tDIFF\tGAMES\tBIG\tREG\tRATE\tCORRECTED\tNOTES")
	_, _ = fmt.Fprintln(w, "-------\t------\t----\t-----\t---\t---\t----\t---------\t-----")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%+d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			r.Machine, r.MachineNumber, r.Diff, r.Games, r.Big, r.Reg, r.CombinedRate,
			r.CorrectedAt.Format("2006-01-02 15:04"), r.Notes,
		)
	}
	_ = w.Flush()
}
