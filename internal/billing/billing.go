// Package billing estimates instance rental cost and appends it to the
// run log.
package billing

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/inkwell/childbook/internal/model"
)

var ErrUnknownMachine = errors.New("unknown machine type")

// Hourly prices in USD per billing plan and machine type.
var prices = map[model.BillingType]map[string]float64{
	model.BillingHobby: {
		"medium":       0.99,
		"large":        1.75,
		"xlarge":       2.50,
		"2xlarge":      4.99,
		"2xlarge_plus": 7.49,
	},
	model.BillingPro: {
		"medium":       0.79,
		"large":        1.39,
		"xlarge":       1.99,
		"2xlarge":      3.99,
		"2xlarge_plus": 5.99,
	},
}

const timeLayout = "2006-01-02 15:04:05"

var header = []string{
	"log time", "script type", "image count", "start time", "end time",
	"billable minutes", "billing type", "machine type", "price ($/hour)", "cost ($)",
}

// PricePerHour looks up the hourly price of a machine.
func PricePerHour(bt model.BillingType, machine string) (float64, error) {
	p, ok := prices[bt][machine]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownMachine, bt, machine)
	}
	return p, nil
}

// BillableMinutes subtracts the unbilled startup time from elapsed.
func BillableMinutes(elapsed time.Duration, startupMinutes float64) float64 {
	return max(0, elapsed.Minutes()-startupMinutes)
}

// Estimate builds the billing entry of a run.
func Estimate(scriptType string, count int, start, end time.Time, bt model.BillingType, machine string, startupMinutes float64) (*model.BillingEntry, error) {
	price, err := PricePerHour(bt, machine)
	if err != nil {
		return nil, err
	}
	minutes := BillableMinutes(end.Sub(start), startupMinutes)
	return &model.BillingEntry{
		LoggedAt:        end,
		ScriptType:      scriptType,
		ImageCount:      count,
		StartedAt:       start,
		EndedAt:         end,
		BillableMinutes: minutes,
		BillingType:     bt,
		MachineType:     machine,
		PricePerHour:    price,
		EstimatedCost:   minutes * price / 60,
	}, nil
}

// Summary renders an entry for the terminal.
func Summary(e *model.BillingEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Started:          %s\n", e.StartedAt.Format(timeLayout))
	fmt.Fprintf(&b, "Finished:         %s\n", e.EndedAt.Format(timeLayout))
	fmt.Fprintf(&b, "Total runtime:    %.2f min\n", e.EndedAt.Sub(e.StartedAt).Minutes())
	fmt.Fprintf(&b, "Billable runtime: %.2f min\n", e.BillableMinutes)
	fmt.Fprintf(&b, "Machine:          %s\n", e.MachineType)
	fmt.Fprintf(&b, "Billing plan:     %s\n", e.BillingType)
	fmt.Fprintf(&b, "Estimated cost:   $%.2f\n", e.EstimatedCost)
	return b.String()
}

// RunLog appends billing entries to a CSV file.
type RunLog struct {
	fs   afero.Fs
	path string
}

// NewRunLog creates a run log at path on fs.
func NewRunLog(fs afero.Fs, path string) *RunLog {
	return &RunLog{fs: fs, path: path}
}

// Append writes e as one row. A new file starts with the header row.
func (l *RunLog) Append(e *model.BillingEntry) error {
	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	exists, err := afero.Exists(l.fs, l.path)
	if err != nil {
		return fmt.Errorf("failed to stat run log: %w", err)
	}

	f, err := l.fs.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !exists {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	row := []string{
		e.LoggedAt.Format(timeLayout),
		e.ScriptType,
		strconv.Itoa(e.ImageCount),
		e.StartedAt.Format(timeLayout),
		e.EndedAt.Format(timeLayout),
		fmt.Sprintf("%.2f", e.BillableMinutes),
		string(e.BillingType),
		e.MachineType,
		fmt.Sprintf("%.2f", e.PricePerHour),
		fmt.Sprintf("%.2f", e.EstimatedCost),
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write run log: %w", err)
	}
	return nil
}
