package ua

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
)

// PrintStatus writes one status line, e.g. "alice@example.com  OK".
func (ua *UserAgent) PrintStatus(w io.Writer) {
	fmt.Fprintf(w, "%-42s", ua.AOR())
	for _, r := range ua.Regs() {
		fmt.Fprintf(w, " %s", r.Status())
	}
	fmt.Fprintln(w)
}

// PrintCalls lists the calls, the current one marked with '>'.
func (ua *UserAgent) PrintCalls(w io.Writer) {
	calls := ua.Calls()
	fmt.Fprintf(w, "\n--- List of active calls (%d): ---\n", len(calls))
	for i, call := range calls {
		mark := ' '
		if i == len(calls)-1 {
			mark = '>'
		}
		fmt.Fprintf(w, "  %c %d  %s  %s\n", mark, call.LineNum(), call.PeerURI(), call.CallID())
	}
	fmt.Fprintln(w)
}

// PrintSupported writes the Supported header of the user agent.
func (ua *UserAgent) PrintSupported(w io.Writer) {
	fmt.Fprintf(w, "Supported: %s\r\n", strings.Join(ua.extensions, ","))
}

// Debug writes the user agent state, its account and registrations.
func (ua *UserAgent) Debug(w io.Writer) {
	fmt.Fprintf(w, "--- %s ---\n", ua.AOR())
	fmt.Fprintf(w, " nrefs:     %d\n", atomic.LoadInt32(&ua.refs))
	fmt.Fprintf(w, " cuser:     %s\n", ua.LocalCuser())
	fmt.Fprintf(w, " pub-gruu:  %s\n", ua.PubGruu())
	fmt.Fprintf(w, " af:        %s\n", ua.af)
	fmt.Fprintf(w, " %s", ua.supportedLine())
	fmt.Fprint(w, ua.acc.Debug())
	for _, r := range ua.Regs() {
		fmt.Fprint(w, r.Debug())
	}
}

func (ua *UserAgent) supportedLine() string {
	var b strings.Builder
	ua.PrintSupported(&b)
	return b.String()
}

// PrintStatus writes the status of every user agent.
func (uag *Registry) PrintStatus(w io.Writer) {
	uas := uag.List()
	fmt.Fprintf(w, "\n--- User Agents (%d) ---\n", len(uas))
	current := uag.Current()
	for i, ua := range uas {
		mark := ' '
		if ua == current {
			mark = '>'
		}
		fmt.Fprintf(w, "%c %d - ", mark, i)
		ua.PrintStatus(w)
	}
	fmt.Fprintln(w)
}
