package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/loykin/runstat/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printStatuses(w io.Writer, asJSON bool, sts ...client.ServiceStatus) error {
	if asJSON {
		if len(sts) == 1 {
			return printJSON(w, sts[0])
		}
		return printJSON(w, sts)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tSTATE\tCPU%\tMEM(MB)\tCONTAINER\tLAST ACTION\tERROR")
	for _, st := range sts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.1f\t%s\t%s\t%s\n",
			st.Service, stateOf(st), st.CPUPercent, st.MemoryMB, shortID(st.ContainerID), dash(st.LastAction), dash(st.Error))
	}
	return tw.Flush()
}

func stateOf(st client.ServiceStatus) string {
	switch {
	case st.Running && st.Pending:
		return "transitioning"
	case st.Running:
		return "running"
	case st.Pending:
		return "pending"
	default:
		return "stopped"
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return dash(id)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
