// Package export writes batch results in upload formats accepted by stock
// photography marketplaces.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/ineyio/stockify"
)

// Header is the first row written by WriteCSV.
var Header = []string{"Filename", "Description", "Keywords", "Categories"}

// WriteCSV writes one row per succeeded task of res. Keywords and categories
// are joined with commas; metadata is otherwise passed through unchanged.
func WriteCSV(w io.Writer, res stockify.BatchResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("export: write header: %w", err)
	}

	for _, t := range res.Tasks {
		if t.State != stockify.TaskSucceeded || t.Metadata == nil {
			continue
		}
		row := []string{
			t.Image.Name,
			t.Metadata.Description,
			strings.Join(t.Metadata.Keywords, ","),
			strings.Join(t.Metadata.Categories, ","),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: write row for %s: %w", t.Image.Name, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: flush: %w", err)
	}
	return nil
}
