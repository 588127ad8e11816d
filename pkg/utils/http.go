package utils

import (
	"io"
	"strings"
)

// DrainAndClose drains the remaining body so the transport can reuse the
// connection, then closes it.
func DrainAndClose(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, rc)
	return rc.Close()
}

// DedupEndpoints normalizes and deduplicates a list of endpoint URLs,
// preserving order.
func DedupEndpoints(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.TrimRight(strings.TrimSpace(e), "/")
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
