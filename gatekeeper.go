package feedback

import "sort"

// Pending is an issue that needs at least one enrichment this run.
type Pending struct {
	Issue        *Issue
	Sentiment    bool
	Labels       bool
	Organisation bool
}

// GateOptions describe which enrichments the run performs.
type GateOptions struct {
	Vocab *Vocabulary
	// Attribution is set when organisations are attributed.
	Attribution bool
}

// needs reports the enrichments a stored row with unchanged content is
// missing.
func (o GateOptions) needs(prev *Issue) Pending {
	return Pending{
		Sentiment:    !prev.hasSentiment(),
		Labels:       !prev.hasLabels() || !o.Vocab.Closed(prev.AssignedLabels),
		Organisation: o.Attribution && !prev.hasOrganisation(),
	}
}

func (p Pending) any() bool {
	return p.Sentiment || p.Labels || p.Organisation
}

// Gate decides which fetched issues must be (re-)enriched. It is a pure
// function of the fetched and stored state:
//
//   - new ids need every enrichment;
//   - a changed content hash needs every enrichment;
//   - unchanged content only needs what is absent in the store, or labels
//     that are no longer part of the vocabulary.
//
// Unchanged, fully enriched issues are never returned. The result is
// ordered by ascending id.
func Gate(fetched []*Issue, stored *Snapshot, opts GateOptions) []Pending {
	var pending []Pending
	for _, iss := range fetched {
		prev, ok := stored.Issues[iss.ID]
		if !ok || prev.ContentHash != iss.ContentHash {
			pending = append(pending, Pending{
				Issue:        iss,
				Sentiment:    true,
				Labels:       true,
				Organisation: opts.Attribution,
			})
			continue
		}
		p := opts.needs(prev)
		if p.any() {
			p.Issue = iss
			pending = append(pending, p)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Issue.ID < pending[j].Issue.ID
	})
	return pending
}
