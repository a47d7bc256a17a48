// Package normalize flattens raw page nodes into typed records.
// Everything here is pure: no I/O, no logging, no shared state.
package normalize

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/alvmarrod/wiki-harvester/internal/fetcher"
	"github.com/alvmarrod/wiki-harvester/internal/storage"
)

// ErrMissingURL is returned for nodes that carry no page identity
var ErrMissingURL = errors.New("node has no url")

// Result is the page record plus every child record derived from one node
type Result struct {
	Page     storage.PageRecord
	Children storage.RecordSet
}

// Records returns the page and its children as one set
func (r Result) Records() storage.RecordSet {
	set := r.Children
	set.Pages = []storage.PageRecord{r.Page}
	return set
}

// Process flattens one node. Null nested fields yield zero child records of that kind.
func Process(node fetcher.RawNode) (Result, error) {
	pageURL := CanonicalURL(node.URL)
	if pageURL == "" {
		return Result{}, ErrMissingURL
	}

	var res Result
	res.Children.Votes = votes(pageURL, node.Votes)
	res.Children.Revisions = revisions(pageURL, node.Revisions)
	res.Children.Attributions = attributions(pageURL, node.Attributions)
	res.Children.Relations = relations(pageURL, node)
	res.Children.AlternateTitles = alternateTitles(pageURL, node.AlternateTitles)

	createdByID, createdByName := userOf(node.CreatedBy)
	res.Page = storage.PageRecord{
		URL:           pageURL,
		WikidotID:     string(node.WikidotID),
		Title:         node.Title,
		Category:      node.Category,
		Rating:        node.Rating,
		VoteCount:     node.VoteCount,
		RevisionCount: node.RevisionCount,
		SourceLength:  utf8.RuneCountInString(node.Source),
		TextLength:    utf8.RuneCountInString(node.TextContent),
		CreatedByID:   createdByID,
		CreatedByName: createdByName,
		CreatedAt:     node.CreatedAt,
		Tags:          strings.Join(node.Tags, ","),
		IsHidden:      node.IsHidden,
		IsUserPage:    node.IsUserPage,

		TagCount:            len(node.Tags),
		VoteRecordCount:     len(res.Children.Votes),
		RevisionRecordCount: len(res.Children.Revisions),
		AttributionCount:    len(res.Children.Attributions),
		AlternateTitleCount: len(res.Children.AlternateTitles),
		ChildCount:          len(node.Children),
		TranslationCount:    len(node.Translations),
	}
	if node.Parent != nil {
		res.Page.ParentURL = CanonicalURL(node.Parent.URL)
	}
	if node.TranslationOf != nil {
		res.Page.TranslationOf = CanonicalURL(node.TranslationOf.URL)
	}

	return res, nil
}

// Batch processes every node of a page. Nodes without identity are counted in skipped.
func Batch(nodes []fetcher.RawNode) (set storage.RecordSet, skipped int) {
	for _, node := range nodes {
		res, err := Process(node)
		if err != nil {
			skipped++
			continue
		}
		set.Append(res.Records())
	}
	return set, skipped
}

func userOf(u *fetcher.User) (id, name string) {
	if u == nil {
		return "", ""
	}
	return string(u.WikidotID), u.Name
}

func votes(pageURL string, in []fetcher.Vote) []storage.VoteRecord {
	if len(in) == 0 {
		return nil
	}
	out := make([]storage.VoteRecord, 0, len(in))
	for _, v := range in {
		id, name := userOf(v.User)
		out = append(out, storage.VoteRecord{
			PageURL:   pageURL,
			VoterID:   id,
			VoterName: name,
			Direction: v.Direction,
			Timestamp: v.Timestamp,
		})
	}
	return out
}

func revisions(pageURL string, in []fetcher.Revision) []storage.RevisionRecord {
	if len(in) == 0 {
		return nil
	}
	out := make([]storage.RevisionRecord, 0, len(in))
	for _, r := range in {
		id, name := userOf(r.User)
		out = append(out, storage.RevisionRecord{
			PageURL:       pageURL,
			RevisionIndex: r.Index,
			WikidotID:     string(r.WikidotID),
			Timestamp:     r.Timestamp,
			Type:          r.Type,
			Comment:       r.Comment,
			UserID:        id,
			UserName:      name,
		})
	}
	return out
}

func attributions(pageURL string, in []fetcher.Attribution) []storage.AttributionRecord {
	if len(in) == 0 {
		return nil
	}
	out := make([]storage.AttributionRecord, 0, len(in))
	for _, a := range in {
		id, name := userOf(a.User)
		out = append(out, storage.AttributionRecord{
			PageURL:  pageURL,
			UserID:   id,
			UserName: name,
			Type:     a.Type,
			Order:    a.Order,
			Date:     a.Date,
		})
	}
	return out
}

func relations(pageURL string, node fetcher.RawNode) []storage.RelationRecord {
	var out []storage.RelationRecord
	add := func(relation, related string) {
		related = CanonicalURL(related)
		if related == "" {
			return
		}
		out = append(out, storage.RelationRecord{PageURL: pageURL, Relation: relation, RelatedURL: related})
	}

	if node.Parent != nil {
		add(storage.RelationParent, node.Parent.URL)
	}
	for _, child := range node.Children {
		add(storage.RelationChild, child.URL)
	}
	if node.TranslationOf != nil {
		add(storage.RelationTranslationOf, node.TranslationOf.URL)
	}
	for _, tr := range node.Translations {
		add(storage.RelationTranslation, tr.URL)
	}
	return out
}

func alternateTitles(pageURL string, in []fetcher.AlternateTitle) []storage.AlternateTitleRecord {
	var out []storage.AlternateTitleRecord
	for _, t := range in {
		if strings.TrimSpace(t.Title) == "" {
			continue
		}
		out = append(out, storage.AlternateTitleRecord{PageURL: pageURL, Title: t.Title})
	}
	return out
}
