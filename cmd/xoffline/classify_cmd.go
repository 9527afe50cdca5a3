// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ManuGH/xoffline/internal/downloads"
)

type classifiedView struct {
	downloads.Verdict
	ContentKind downloads.Kind `json:"content_kind"`
}

func newClassifyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "classify [FILE|-]",
		Short: "Judge whether download records are playable offline",
		Long: "Reads one download record or an array of records as JSON from FILE\n" +
			"or stdin and prints the health verdict for each.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.readInput(args)
			if err != nil {
				return err
			}
			records, single, err := parseRecords(data)
			if err != nil {
				return usageErrorf("parse download records: %v", err)
			}

			policy := downloads.PolicyFromConfig(c.cfg.Health)
			out := make([]classifiedView, 0, len(records))
			for _, rec := range records {
				if err := rec.Validate(); err != nil {
					return &usageError{err: err}
				}
				out = append(out, classifiedView{
					Verdict:     downloads.Classify(policy, rec),
					ContentKind: policy.ContentKind(rec.URI),
				})
			}
			if single {
				return c.printJSON(out[0])
			}
			return c.printJSON(out)
		},
	}
}

func (c *cli) readInput(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(c.in)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args[0], err)
	}
	return data, nil
}

func parseRecords(data []byte) ([]downloads.Record, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var many []downloads.Record
		if err := json.Unmarshal(data, &many); err != nil {
			return nil, false, err
		}
		return many, false, nil
	}
	var one downloads.Record
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, false, err
	}
	return []downloads.Record{one}, true, nil
}
