package authz

import (
	"fmt"
	"strings"
)

// RenderEntry is one line of a directory listing annotated with its
// resource attribute, shared by the admin socket's list handler (head 107)
// and any future REST listing surface so both render the same format
// instead of duplicating it.
type RenderEntry struct {
	Name       string
	IsDir      bool
	UID        string
	Owner      int64
	Permission string // "oo,pp,tt"
}

// Render formats entries as "[d-]owner(3)group(3)other(3) owner_id uid name",
// one line per entry, in the order given. Each 3-char group is "r?w?-": the
// execute bit is never modeled and always renders as "-".
func Render(entries []RenderEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, fmt.Sprintf("%s %d %s %s", renderMode(e.IsDir, e.Permission), e.Owner, e.UID, e.Name))
	}
	return out
}

func renderMode(isDir bool, perm string) string {
	kind := "-"
	if isDir {
		kind = "d"
	}
	parts := strings.Split(perm, ",")
	if len(parts) != 3 {
		return kind + "---------"
	}
	var b strings.Builder
	b.WriteString(kind)
	for _, p := range parts {
		b.WriteString(renderPair(p))
	}
	return b.String()
}

func renderPair(pair string) string {
	r, w := byte('-'), byte('-')
	if strings.Contains(pair, "r") {
		r = 'r'
	}
	if strings.Contains(pair, "w") {
		w = 'w'
	}
	return string([]byte{r, w, '-'})
}
