// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// checkAppendOnly rejects definitions whose IDs are not 0, 1, 2, ... in file
// order, or that reuse a name. Reported IDs must stay stable across releases.
func checkAppendOnly(defs []metricDef) error {
	names := make(map[string]uint32, len(defs))
	for i, m := range defs {
		if m.ID != uint32(i) {
			return fmt.Errorf("entry %d (%s) has ID %d", i, m.Name, m.ID)
		}
		if prev, ok := names[m.Name]; ok {
			return fmt.Errorf("name %s used by IDs %d and %d", m.Name, prev, m.ID)
		}
		names[m.Name] = m.ID
	}
	return nil
}

type metricDef struct {
	Description string `json:"description"`
	MetricType  string `json:"type"`
	Name        string `json:"name"`
	FieldName   string `json:"field"`
	ID          uint32 `json:"id"`
	Obsolete    bool   `json:"obsolete"`
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <metrics.json> <output.go>\n", os.Args[0])
		os.Exit(1)
	}

	input, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v", os.Args[1], err)
		os.Exit(1)
	}

	var metricDefs []metricDef
	if err = json.Unmarshal(input, &metricDefs); err != nil {
		fmt.Fprintf(os.Stderr, "Error unmarshaling: %v", err)
		os.Exit(1)
	}

	if err = checkAppendOnly(metricDefs); err != nil {
		fmt.Fprintf(os.Stderr, "Error in %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}

	var output bytes.Buffer
	output.WriteString(
		"// Code generated from metrics.json. DO NOT EDIT.\n" +
			"\n" +
			"package metrics\n" +
			"\n" +
			"// To add a new metric append an entry to metrics.json. ONLY APPEND !\n" +
			"// Then run 'go generate ./metrics/...' from the top directory.\n" +
			"\n" +
			"// Below are the different metric IDs that we currently implement.\n" +
			"const (\n")

	for _, m := range metricDefs {
		if m.Obsolete {
			continue
		}

		output.WriteString(
			fmt.Sprintf("\n\t// %s\n\tID%s = %d\n",
				m.Description, m.Name, m.ID))
	}

	output.WriteString(
		"\n\t// max number of ID values, keep this as *last entry*\n" +
			fmt.Sprintf("\tIDMax = %d\n)\n", len(metricDefs)))

	if err = os.WriteFile(os.Args[2], output.Bytes(), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v", err)
		os.Exit(1)
	}
}
