package verify

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// WriteJSON emits the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText emits the report as a plain-text summary.
func (r *Report) WriteText(w io.Writer) error {
	fmt.Fprintln(w, "================================================================")
	fmt.Fprintln(w, "               DIARYD ARCHIVE VERIFICATION REPORT")
	fmt.Fprintln(w, "================================================================")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Result:          %s\n", resultString(r.OK()))
	fmt.Fprintf(w, "Tenant:          %s\n", r.TenantID)
	fmt.Fprintf(w, "Format Version:  %d\n", r.FormatVersion)
	fmt.Fprintf(w, "Range:           %d..%d\n", r.FromSeq, r.ToSeq)
	fmt.Fprintf(w, "Events Read:     %d\n", r.EventsRead)
	fmt.Fprintf(w, "Duration:        %v\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "--- Checks ---")
	fmt.Fprintf(w, "[%s] manifest signature%s\n", statusSymbol(r.SignatureOK), keyOrigin(r))
	fmt.Fprintf(w, "[%s] content and chain hashes\n", statusSymbol(r.ChainOK))
	fmt.Fprintf(w, "[%s] chain head matches manifest\n", statusSymbol(r.HeadMatches))
	fmt.Fprintf(w, "[%s] event count matches manifest\n", statusSymbol(r.CountMatches))
	fmt.Fprintln(w)

	if len(r.Corrupted) > 0 {
		fmt.Fprintln(w, "--- Corrupted Sequences ---")
		for _, seq := range r.Corrupted {
			fmt.Fprintf(w, "  * %d\n", seq)
		}
		fmt.Fprintln(w)
	}

	if len(r.Problems) > 0 {
		fmt.Fprintln(w, "--- Problems ---")
		for _, p := range r.Problems {
			fmt.Fprintf(w, "  * %s\n", p)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "================================================================")
	return nil
}

func resultString(ok bool) string {
	if ok {
		return "VALID"
	}
	return "INVALID"
}

func statusSymbol(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func keyOrigin(r *Report) string {
	if r.EmbeddedKey {
		return " (embedded key: proves consistency, not origin)"
	}
	return ""
}
