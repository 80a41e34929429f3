// Package report builds the structured result every command emits, so
// monitoring can alert on aggregate failure counts instead of exit codes.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
)

// Failure is one resource that did not make it through a command pass.
type Failure struct {
	Region   string `json:"region"`
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}

// Report summarizes one command invocation. A command always completes and
// reports, even when individual resources failed.
type Report struct {
	Command    string    `json:"command"`
	Regions    []string  `json:"regions"`
	Selected   int       `json:"selected"`
	Created    int       `json:"created"`
	Broken     int       `json:"broken_deleted"`
	Deleted    int       `json:"deleted"`
	Ambiguous  int       `json:"ambiguous"`
	Replicated int       `json:"replicated"`
	Skipped    int       `json:"skipped"`
	Stalled    int       `json:"stalled"`
	Failed     int       `json:"failed"`
	Failures   []Failure `json:"failures,omitempty"`
}

// New returns an empty report for a command.
func New(command string) *Report {
	return &Report{Command: command}
}

// AddRegion records a region the command touched.
func (r *Report) AddRegion(region string) {
	for _, existing := range r.Regions {
		if existing == region {
			return
		}
	}
	r.Regions = append(r.Regions, region)
	sort.Strings(r.Regions)
}

// Fail records a per-resource failure.
func (r *Report) Fail(region, resource string, err error) {
	r.Failed++
	r.Failures = append(r.Failures, Failure{Region: region, Resource: resource, Reason: err.Error()})
}

// Render writes the report as a table.
func (r *Report) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COMMAND\tREGIONS\tSELECTED\tCREATED\tDELETED\tBROKEN\tREPLICATED\tSKIPPED\tSTALLED\tAMBIGUOUS\tFAILED")
	regions := "-"
	if len(r.Regions) > 0 {
		regions = r.Regions[0]
		for _, reg := range r.Regions[1:] {
			regions += "," + reg
		}
	}
	fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
		r.Command, regions, r.Selected, r.Created, r.Deleted, r.Broken,
		r.Replicated, r.Skipped, r.Stalled, r.Ambiguous, r.Failed)
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(r.Failures) == 0 {
		return nil
	}
	fw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(fw, "\nREGION\tRESOURCE\tERROR")
	for _, f := range r.Failures {
		fmt.Fprintf(fw, "%s\t%s\t%s\n", f.Region, f.Resource, f.Reason)
	}
	return fw.Flush()
}

// EncodeJSON writes the report as indented JSON.
func (r *Report) EncodeJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
