package normalize

import (
	"testing"

	"github.com/alvmarrod/wiki-harvester/internal/fetcher"
	"github.com/alvmarrod/wiki-harvester/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullNode() fetcher.RawNode {
	alice := &fetcher.User{WikidotID: "1", Name: "Alice"}
	bob := &fetcher.User{WikidotID: "2", Name: "Bob"}
	return fetcher.RawNode{
		URL:           "http://SCP-Wiki.wikidot.com/scp-173/",
		WikidotID:     "1956234",
		Title:         "SCP-173",
		Category:      "_default",
		Rating:        5012,
		VoteCount:     3,
		RevisionCount: 2,
		Source:        "++ Item #: SCP-173 ✓",
		TextContent:   "Item #: SCP-173",
		CreatedAt:     "2008-07-25T20:49:00Z",
		CreatedBy:     alice,
		Tags:          []string{"scp", "euclid", "sculpture"},
		Parent:        &fetcher.Link{URL: "http://scp-wiki.wikidot.com/series-1"},
		Children:      []fetcher.Link{{URL: "http://scp-wiki.wikidot.com/scp-173-j"}},
		TranslationOf: nil,
		Translations:  []fetcher.Link{{URL: "http://scp-wiki-cn.wikidot.com/scp-173"}, {URL: ""}},
		AlternateTitles: []fetcher.AlternateTitle{
			{Title: "The Sculpture"}, {Title: "  "},
		},
		Attributions: []fetcher.Attribution{
			{Type: "AUTHOR", Date: "2008-07-25", Order: 0, User: alice},
		},
		Votes: []fetcher.Vote{
			{Direction: 1, Timestamp: "2020-01-01T00:00:00Z", User: alice},
			{Direction: -1, Timestamp: "2020-01-02T00:00:00Z", User: bob},
			{Direction: 1, Timestamp: "2020-01-03T00:00:00Z", User: nil},
		},
		Revisions: []fetcher.Revision{
			{Index: 0, WikidotID: "100", Timestamp: "2008-07-25T20:49:00Z", Type: "PAGE_CREATED", User: alice},
			{Index: 1, WikidotID: "101", Timestamp: "2009-01-01T00:00:00Z", Type: "SOURCE_CHANGED", Comment: "fix", User: bob},
		},
	}
}

func TestProcess_FullNode(t *testing.T) {
	res, err := Process(fullNode())
	require.NoError(t, err)

	const pageURL = "http://scp-wiki.wikidot.com/scp-173"
	p := res.Page
	assert.Equal(t, pageURL, p.URL)
	assert.Equal(t, "1956234", p.WikidotID)
	assert.Equal(t, "SCP-173", p.Title)
	assert.Equal(t, 5012.0, p.Rating)
	assert.Equal(t, 20, p.SourceLength, "length counts characters, not bytes")
	assert.Equal(t, 15, p.TextLength)
	assert.Equal(t, "1", p.CreatedByID)
	assert.Equal(t, "Alice", p.CreatedByName)
	assert.Equal(t, "scp,euclid,sculpture", p.Tags)
	assert.Equal(t, "http://scp-wiki.wikidot.com/series-1", p.ParentURL)
	assert.Empty(t, p.TranslationOf)

	assert.Equal(t, 3, p.TagCount)
	assert.Equal(t, 3, p.VoteRecordCount)
	assert.Equal(t, 2, p.RevisionRecordCount)
	assert.Equal(t, 1, p.AttributionCount)
	assert.Equal(t, 1, p.AlternateTitleCount)
	assert.Equal(t, 1, p.ChildCount)
	assert.Equal(t, 2, p.TranslationCount)

	c := res.Children
	assert.Empty(t, c.Pages)
	require.Len(t, c.Votes, 3)
	assert.Equal(t, storage.VoteRecord{PageURL: pageURL, VoterID: "2", VoterName: "Bob", Direction: -1, Timestamp: "2020-01-02T00:00:00Z"}, c.Votes[1])
	assert.Empty(t, c.Votes[2].VoterID)

	require.Len(t, c.Revisions, 2)
	assert.Equal(t, "fix", c.Revisions[1].Comment)
	assert.Equal(t, "Bob", c.Revisions[1].UserName)

	require.Len(t, c.Attributions, 1)
	assert.Equal(t, "AUTHOR", c.Attributions[0].Type)

	assert.ElementsMatch(t, []storage.RelationRecord{
		{PageURL: pageURL, Relation: storage.RelationParent, RelatedURL: "http://scp-wiki.wikidot.com/series-1"},
		{PageURL: pageURL, Relation: storage.RelationChild, RelatedURL: "http://scp-wiki.wikidot.com/scp-173-j"},
		{PageURL: pageURL, Relation: storage.RelationTranslation, RelatedURL: "http://scp-wiki-cn.wikidot.com/scp-173"},
	}, c.Relations)

	assert.Equal(t, []storage.AlternateTitleRecord{{PageURL: pageURL, Title: "The Sculpture"}}, c.AlternateTitles)
}

func TestProcess_NullNestedFields(t *testing.T) {
	res, err := Process(fetcher.RawNode{URL: "http://scp-wiki.wikidot.com/scp-999"})
	require.NoError(t, err)

	assert.Equal(t, "http://scp-wiki.wikidot.com/scp-999", res.Page.URL)
	assert.Zero(t, res.Page.SourceLength)
	assert.Zero(t, res.Page.VoteRecordCount)
	assert.Empty(t, res.Page.CreatedByID)
	assert.Empty(t, res.Page.ParentURL)
	assert.True(t, res.Children.Empty())

	set := res.Records()
	assert.Equal(t, storage.Counts{Pages: 1}, set.Counts())
}

func TestProcess_MissingURL(t *testing.T) {
	_, err := Process(fetcher.RawNode{Title: "orphan"})
	assert.ErrorIs(t, err, ErrMissingURL)
}

func TestProcess_IsPure(t *testing.T) {
	node := fullNode()
	first, err := Process(node)
	require.NoError(t, err)
	second, err := Process(node)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "http://SCP-Wiki.wikidot.com/scp-173/", node.URL)
}

func TestBatch(t *testing.T) {
	nodes := []fetcher.RawNode{
		fullNode(),
		{URL: ""},
		{URL: "http://scp-wiki.wikidot.com/scp-096", Votes: []fetcher.Vote{{Direction: 1, Timestamp: "t"}}},
	}

	set, skipped := Batch(nodes)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, storage.Counts{
		Pages:           2,
		Votes:           4,
		Revisions:       2,
		Attributions:    1,
		Relations:       3,
		AlternateTitles: 1,
	}, set.Counts())
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://scp-wiki.wikidot.com/scp-173", "http://scp-wiki.wikidot.com/scp-173"},
		{"  HTTP://SCP-WIKI.wikidot.com/scp-173/  ", "http://scp-wiki.wikidot.com/scp-173"},
		{"http://scp-wiki.wikidot.com/scp-173#toc0", "http://scp-wiki.wikidot.com/scp-173"},
		{"http://scp-wiki.wikidot.com/", "http://scp-wiki.wikidot.com"},
		{"//scp-wiki.wikidot.com/scp-173", "https://scp-wiki.wikidot.com/scp-173"},
		{"scp-173/", "scp-173"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalURL(tt.in))
		})
	}
}

func TestSite(t *testing.T) {
	assert.Equal(t, "scp-wiki.wikidot.com", Site("http://SCP-Wiki.wikidot.com/scp-173"))
	assert.Equal(t, "", Site("scp-173"))
}
