package cmd

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/diffusion-optimizer/pkg/footprint"
	"github.com/psantana5/diffusion-optimizer/pkg/models"
)

var footprintsCmd = &cobra.Command{
	Use:   "footprints",
	Short: "Show the model files recorded by the workflow engine",
	Long: `Reads the footprint file of every submodel for the selected execution
provider and shows which conversion and optimization outputs the next
assembly would use.`,
	RunE: runFootprints,
}

func init() {
	rootCmd.AddCommand(footprintsCmd)
}

// footprintRow is the located artifacts of one submodel
type footprintRow struct {
	Submodel    models.Submodel `json:"submodel" yaml:"submodel"`
	File        string          `json:"file" yaml:"file"`
	Unoptimized string          `json:"unoptimized,omitempty" yaml:"unoptimized,omitempty"`
	Optimized   string          `json:"optimized,omitempty" yaml:"optimized,omitempty"`
	Status      string          `json:"status" yaml:"status"`
}

func runFootprints(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rows := locateFootprints(afero.NewOsFs(), cfg.FootprintsDir(), cfg.Target())
	return outputFootprints(os.Stdout, rows)
}

// locateFootprints inspects every known submodel, including the optional safety checker
func locateFootprints(afs afero.Fs, dir string, acc models.Accelerator) []footprintRow {
	subs := models.SubmodelsFor(true)
	rows := make([]footprintRow, 0, len(subs))
	for _, sub := range subs {
		row := footprintRow{Submodel: sub, File: footprint.Path(dir, sub, acc)}
		fp, err := footprint.Load(afs, row.File)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				row.Status = "missing"
			} else {
				row.Status = err.Error()
			}
			rows = append(rows, row)
			continue
		}
		unopt, opt, err := footprint.Resolve(afs, fp)
		if err != nil {
			row.Status = err.Error()
			rows = append(rows, row)
			continue
		}
		row.Unoptimized = unopt.Path
		row.Optimized = opt.Path
		row.Status = "ok"
		rows = append(rows, row)
	}
	return rows
}

func outputFootprints(w io.Writer, rows []footprintRow) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(rows)
	default:
		table := tablewriter.NewWriter(w)
		table.Header("Submodel", "Status", "Unoptimized", "Optimized")
		for _, row := range rows {
			table.Append(string(row.Submodel), row.Status, row.Unoptimized, row.Optimized)
		}
		return table.Render()
	}
}
