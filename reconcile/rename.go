package reconcile

import (
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// RenamePair joins a disappearance and an appearance that carry the same
// content into a single move.
type RenamePair struct {
	From Comparison
	To   Comparison

	// Origin is the side where the move was observed. The instruction is
	// applied on the opposite side.
	Origin Side

	// Nested is set when the pair is implied by a directory rename that
	// is also in the result, so only the journal needs to follow.
	Nested bool
}

type renameCandidate struct {
	from, to int
	distance int
	origin   Side
}

// pairRenames runs the two-phase pairing: every compatible
// (disappearance, appearance) combination becomes a candidate, then
// candidates are accepted greedily in (edit distance, from, to) order so
// each path takes part in at most one rename.
func pairRenames(comparisons []Comparison) ([]RenamePair, []Comparison) {
	var (
		remoteGone = make(map[remoteKey][]int)
		localGone  = make(map[localKey][]int)
	)

	for i, c := range comparisons {
		if k, ok := remoteFromKey(c); ok {
			remoteGone[k] = append(remoteGone[k], i)
		}

		if k, ok := localFromKey(c); ok {
			localGone[k] = append(localGone[k], i)
		}
	}

	if len(remoteGone) == 0 && len(localGone) == 0 {
		return nil, comparisons
	}

	dmp := diffmatchpatch.New()

	var candidates []renameCandidate

	for j, c := range comparisons {
		if k, ok := remoteToKey(c); ok {
			for _, i := range remoteGone[k] {
				candidates = append(candidates, renameCandidate{
					from:     i,
					to:       j,
					distance: editDistance(dmp, comparisons[i].Path, c.Path),
					origin:   SideRemote,
				})
			}
		}

		if k, ok := localToKey(c); ok {
			for _, i := range localGone[k] {
				candidates = append(candidates, renameCandidate{
					from:     i,
					to:       j,
					distance: editDistance(dmp, comparisons[i].Path, c.Path),
					origin:   SideLocal,
				})
			}
		}
	}

	sort.Slice(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.distance != cb.distance {
			return ca.distance < cb.distance
		}

		fa, fb := comparisons[ca.from].Path, comparisons[cb.from].Path
		if fa != fb {
			return fa < fb
		}

		return comparisons[ca.to].Path < comparisons[cb.to].Path
	})

	used := make(map[int]bool)

	var pairs []RenamePair

	for _, cand := range candidates {
		if used[cand.from] || used[cand.to] {
			continue
		}

		used[cand.from] = true
		used[cand.to] = true

		pairs = append(pairs, RenamePair{
			From:   comparisons[cand.from],
			To:     comparisons[cand.to],
			Origin: cand.origin,
		})
	}

	rest := make([]Comparison, 0, len(comparisons)-len(used))

	for i, c := range comparisons {
		if !used[i] {
			rest = append(rest, c)
		}
	}

	sort.Slice(pairs, func(a, b int) bool {
		return pairs[a].From.Path < pairs[b].From.Path
	})

	markNested(pairs)

	return pairs, rest
}

// markNested flags pairs whose move is already carried by a directory
// rename from the same side.
func markNested(pairs []RenamePair) {
	for i := range pairs {
		for j := range pairs {
			if i == j {
				continue
			}

			dir := pairs[j]
			if dir.Origin != pairs[i].Origin || dir.From.Record == nil || dir.From.Record.Type != ItemTypeDirectory {
				continue
			}

			from := pairs[i].From.Path
			if !strings.HasPrefix(from, dir.From.Path+"/") {
				continue
			}

			if pairs[i].To.Path == dir.To.Path+strings.TrimPrefix(from, dir.From.Path) {
				pairs[i].Nested = true
				break
			}
		}
	}
}

func editDistance(dmp *diffmatchpatch.DiffMatchPatch, a, b string) int {
	return dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))
}

type remoteKey struct {
	dir      bool
	size     int64
	identity string
}

type localKey struct {
	size        int64
	fingerprint string
}

// remoteFromKey matches a path the server dropped while the local copy
// stayed as recorded.
func remoteFromKey(c Comparison) (remoteKey, bool) {
	if c.Class != RemoteRemoved || c.LocalChanged || c.Record == nil || c.Record.RemoteIdentity == "" {
		return remoteKey{}, false
	}

	return remoteKey{
		dir:      c.Record.Type == ItemTypeDirectory,
		size:     c.Record.Size,
		identity: c.Record.RemoteIdentity,
	}, true
}

func remoteToKey(c Comparison) (remoteKey, bool) {
	if c.Class != RemoteNew || c.Remote == nil || c.Remote.Identity == "" {
		return remoteKey{}, false
	}

	return remoteKey{dir: c.Remote.IsDir, size: c.Remote.Size, identity: c.Remote.Identity}, true
}

// localFromKey only considers regular files. Directories have no content
// fingerprint, and placeholder markers carry none either.
func localFromKey(c Comparison) (localKey, bool) {
	if c.Class != LocalRemoved || c.RemoteChanged || c.Record == nil {
		return localKey{}, false
	}

	if c.Record.Type != ItemTypeRegularFile || c.Record.Fingerprint == "" {
		return localKey{}, false
	}

	return localKey{size: c.Record.Size, fingerprint: c.Record.Fingerprint}, true
}

func localToKey(c Comparison) (localKey, bool) {
	if c.Class != LocalNew || c.Local.Real == nil || c.Local.Real.IsDir || c.Local.Real.Fingerprint == "" {
		return localKey{}, false
	}

	return localKey{size: c.Local.Real.Size, fingerprint: c.Local.Real.Fingerprint}, true
}
