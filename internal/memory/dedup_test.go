package memory

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/alvmarrod/wiki-harvester/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSet(prefix string, pages int, rating float64) storage.RecordSet {
	var s storage.RecordSet
	for i := 0; i < pages; i++ {
		url := fmt.Sprintf("http://w/%s-%d", prefix, i)
		s.Pages = append(s.Pages, storage.PageRecord{URL: url, Rating: rating})
		for v := 0; v < 3; v++ {
			s.Votes = append(s.Votes, storage.VoteRecord{
				PageURL: url, VoterID: fmt.Sprint(v), Timestamp: "2020-01-01", Direction: 1,
			})
		}
		s.Revisions = append(s.Revisions, storage.RevisionRecord{PageURL: url, RevisionIndex: 0})
		s.Attributions = append(s.Attributions, storage.AttributionRecord{PageURL: url, UserID: "9", Type: "author"})
		s.Relations = append(s.Relations, storage.RelationRecord{PageURL: url, Relation: storage.RelationParent, RelatedURL: "http://w/hub"})
		s.AlternateTitles = append(s.AlternateTitles, storage.AlternateTitleRecord{PageURL: url, Title: "t"})
	}
	return s
}

func shuffled(s storage.RecordSet, seed int64) storage.RecordSet {
	r := rand.New(rand.NewSource(seed))
	c := s.Clone()
	r.Shuffle(len(c.Pages), func(i, j int) { c.Pages[i], c.Pages[j] = c.Pages[j], c.Pages[i] })
	r.Shuffle(len(c.Votes), func(i, j int) { c.Votes[i], c.Votes[j] = c.Votes[j], c.Votes[i] })
	r.Shuffle(len(c.Relations), func(i, j int) { c.Relations[i], c.Relations[j] = c.Relations[j], c.Relations[i] })
	return c
}

func TestMerge_OnePerKeyFreshWins(t *testing.T) {
	recovered := sampleSet("a", 5, 1)
	// fresh overlaps on a-3, a-4 with a different rating, and adds b-*
	fresh := sampleSet("b", 2, 2)
	fresh.Pages = append(fresh.Pages,
		storage.PageRecord{URL: "http://w/a-3", Rating: 99},
		storage.PageRecord{URL: "http://w/a-4", Rating: 99},
	)

	merged := Merge(recovered, fresh)

	assert.Len(t, merged.Pages, 7)
	assert.Len(t, merged.Votes, 21)
	assert.Len(t, merged.Relations, 7)

	byURL := map[string]float64{}
	for _, p := range merged.Pages {
		byURL[p.URL] = p.Rating
	}
	assert.Equal(t, 99.0, byURL["http://w/a-3"])
	assert.Equal(t, 99.0, byURL["http://w/a-4"])
	assert.Equal(t, 1.0, byURL["http://w/a-0"])
	assert.Equal(t, 2.0, byURL["http://w/b-1"])
}

func TestMerge_OrderIndependent(t *testing.T) {
	recovered := sampleSet("a", 20, 1)
	recovered.Append(sampleSet("a", 10, 1)) // duplicates inside one side
	fresh := sampleSet("c", 15, 3)
	fresh.Votes = append(fresh.Votes,
		storage.VoteRecord{PageURL: "http://w/a-1", VoterID: "0", Timestamp: "2020-01-01", Direction: -1})

	want := Merge(recovered, fresh)
	for seed := int64(1); seed <= 5; seed++ {
		got := Merge(shuffled(recovered, seed), shuffled(fresh, seed*7))
		require.Equal(t, want, got, "seed %d", seed)
	}
}

func TestMerge_ConflictInsideOneSideIsDeterministic(t *testing.T) {
	x := storage.VoteRecord{PageURL: "p", VoterID: "1", Timestamp: "t", Direction: 1}
	y := storage.VoteRecord{PageURL: "p", VoterID: "1", Timestamp: "t", Direction: -1}

	first := Dedupe(storage.RecordSet{Votes: []storage.VoteRecord{x, y}})
	second := Dedupe(storage.RecordSet{Votes: []storage.VoteRecord{y, x}})

	require.Len(t, first.Votes, 1)
	assert.Equal(t, first, second)
}

func TestMerge_EmptyInputs(t *testing.T) {
	merged := Merge(storage.RecordSet{}, storage.RecordSet{})
	assert.True(t, merged.Empty())
	assert.NotNil(t, merged.Pages)
}

func TestMerge_SortedByKey(t *testing.T) {
	fresh := storage.RecordSet{Pages: []storage.PageRecord{{URL: "c"}, {URL: "a"}, {URL: "b"}}}
	merged := Merge(storage.RecordSet{}, fresh)
	assert.Equal(t, []storage.PageRecord{{URL: "a"}, {URL: "b"}, {URL: "c"}}, merged.Pages)
}
