package storage

import (
	"strconv"
	"strings"
)

// Kind names one record collection
type Kind string

const (
	KindPages           Kind = "pages"
	KindVotes           Kind = "votes"
	KindRevisions       Kind = "revisions"
	KindAttributions    Kind = "attributions"
	KindRelations       Kind = "relations"
	KindAlternateTitles Kind = "alternateTitles"
)

// Kinds lists every record kind in handoff order (pages before their children)
var Kinds = []Kind{KindPages, KindVotes, KindRevisions, KindAttributions, KindRelations, KindAlternateTitles}

// Record is one logical fact identified by a composite natural key
type Record interface {
	Key() string
}

// Relation types between pages
const (
	RelationParent        = "parent"
	RelationChild         = "child"
	RelationTranslation   = "translation"
	RelationTranslationOf = "translation_of"
)

// PageRecord is the flattened projection of one content page
type PageRecord struct {
	URL           string  `json:"url" db:"url"`
	WikidotID     string  `json:"wikidotId" db:"wikidot_id"`
	Title         string  `json:"title" db:"title"`
	Category      string  `json:"category" db:"category"`
	Rating        float64 `json:"rating" db:"rating"`
	VoteCount     int     `json:"voteCount" db:"vote_count"`
	RevisionCount int     `json:"revisionCount" db:"revision_count"`
	SourceLength  int     `json:"sourceLength" db:"source_length"`
	TextLength    int     `json:"textLength" db:"text_length"`
	CreatedByID   string  `json:"createdById" db:"created_by_id"`
	CreatedByName string  `json:"createdByName" db:"created_by_name"`
	CreatedAt     string  `json:"createdAt" db:"created_at"`
	ParentURL     string  `json:"parentUrl" db:"parent_url"`
	TranslationOf string  `json:"translationOf" db:"translation_of"`
	Tags          string  `json:"tags" db:"tags"`
	IsHidden      bool    `json:"isHidden" db:"is_hidden"`
	IsUserPage    bool    `json:"isUserPage" db:"is_user_page"`

	TagCount            int `json:"tagCount" db:"tag_count"`
	VoteRecordCount     int `json:"voteRecordCount" db:"vote_record_count"`
	RevisionRecordCount int `json:"revisionRecordCount" db:"revision_record_count"`
	AttributionCount    int `json:"attributionCount" db:"attribution_count"`
	AlternateTitleCount int `json:"alternateTitleCount" db:"alternate_title_count"`
	ChildCount          int `json:"childCount" db:"child_count"`
	TranslationCount    int `json:"translationCount" db:"translation_count"`
}

// Key identifies a page by its URL
func (p PageRecord) Key() string { return p.URL }

// VoteRecord is one vote cast on a page
type VoteRecord struct {
	PageURL   string `json:"pageUrl" db:"page_url"`
	VoterID   string `json:"voterId" db:"voter_id"`
	VoterName string `json:"voterName" db:"voter_name"`
	Direction int    `json:"direction" db:"direction"`
	Timestamp string `json:"timestamp" db:"timestamp"`
}

// Key is (page, voter, timestamp)
func (v VoteRecord) Key() string { return compositeKey(v.PageURL, v.VoterID, v.Timestamp) }

// RevisionRecord is one edit in a page's history
type RevisionRecord struct {
	PageURL       string `json:"pageUrl" db:"page_url"`
	RevisionIndex int    `json:"revisionIndex" db:"revision_index"`
	WikidotID     string `json:"wikidotId" db:"wikidot_id"`
	Timestamp     string `json:"timestamp" db:"timestamp"`
	Type          string `json:"type" db:"type"`
	Comment       string `json:"comment" db:"comment"`
	UserID        string `json:"userId" db:"user_id"`
	UserName      string `json:"userName" db:"user_name"`
}

// Key is (page, revision index)
func (r RevisionRecord) Key() string {
	return compositeKey(r.PageURL, strconv.Itoa(r.RevisionIndex))
}

// AttributionRecord credits a user for a page
type AttributionRecord struct {
	PageURL  string `json:"pageUrl" db:"page_url"`
	UserID   string `json:"userId" db:"user_id"`
	UserName string `json:"userName" db:"user_name"`
	Type     string `json:"type" db:"type"`
	Order    int    `json:"order" db:"attribution_order"`
	Date     string `json:"date" db:"date"`
}

// Key is (page, user, type, order)
func (a AttributionRecord) Key() string {
	return compositeKey(a.PageURL, a.UserID, a.Type, strconv.Itoa(a.Order))
}

// RelationRecord links a page to a parent, child or translation
type RelationRecord struct {
	PageURL    string `json:"pageUrl" db:"page_url"`
	Relation   string `json:"relation" db:"relation"`
	RelatedURL string `json:"relatedUrl" db:"related_url"`
}

// Key is (page, relation, related page)
func (r RelationRecord) Key() string { return compositeKey(r.PageURL, r.Relation, r.RelatedURL) }

// AlternateTitleRecord is an additional display title of a page
type AlternateTitleRecord struct {
	PageURL string `json:"pageUrl" db:"page_url"`
	Title   string `json:"title" db:"title"`
}

// Key is (page, title)
func (a AlternateTitleRecord) Key() string { return compositeKey(a.PageURL, a.Title) }

// compositeKey joins key parts with a unit separator, which never appears in URLs or titles
func compositeKey(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

// Counts holds the size of each record collection
type Counts struct {
	Pages           int `json:"pages"`
	Votes           int `json:"votes"`
	Revisions       int `json:"revisions"`
	Attributions    int `json:"attributions"`
	Relations       int `json:"relations"`
	AlternateTitles int `json:"alternateTitles"`
}

// Add returns the element-wise sum of two counts
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Pages:           c.Pages + o.Pages,
		Votes:           c.Votes + o.Votes,
		Revisions:       c.Revisions + o.Revisions,
		Attributions:    c.Attributions + o.Attributions,
		Relations:       c.Relations + o.Relations,
		AlternateTitles: c.AlternateTitles + o.AlternateTitles,
	}
}

// Of returns the count for one kind
func (c Counts) Of(kind Kind) int {
	switch kind {
	case KindPages:
		return c.Pages
	case KindVotes:
		return c.Votes
	case KindRevisions:
		return c.Revisions
	case KindAttributions:
		return c.Attributions
	case KindRelations:
		return c.Relations
	case KindAlternateTitles:
		return c.AlternateTitles
	default:
		return 0
	}
}

// Total returns the number of records across all kinds
func (c Counts) Total() int {
	return c.Pages + c.Votes + c.Revisions + c.Attributions + c.Relations + c.AlternateTitles
}

// RecordSet holds one collection per record kind
type RecordSet struct {
	Pages           []PageRecord           `json:"pages"`
	Votes           []VoteRecord           `json:"votes"`
	Revisions       []RevisionRecord       `json:"revisions"`
	Attributions    []AttributionRecord    `json:"attributions"`
	Relations       []RelationRecord       `json:"relations"`
	AlternateTitles []AlternateTitleRecord `json:"alternateTitles"`
}

// Append adds every record of o to s
func (s *RecordSet) Append(o RecordSet) {
	s.Pages = append(s.Pages, o.Pages...)
	s.Votes = append(s.Votes, o.Votes...)
	s.Revisions = append(s.Revisions, o.Revisions...)
	s.Attributions = append(s.Attributions, o.Attributions...)
	s.Relations = append(s.Relations, o.Relations...)
	s.AlternateTitles = append(s.AlternateTitles, o.AlternateTitles...)
}

// Counts returns the size of each collection
func (s RecordSet) Counts() Counts {
	return Counts{
		Pages:           len(s.Pages),
		Votes:           len(s.Votes),
		Revisions:       len(s.Revisions),
		Attributions:    len(s.Attributions),
		Relations:       len(s.Relations),
		AlternateTitles: len(s.AlternateTitles),
	}
}

// Empty reports whether the set holds no records
func (s RecordSet) Empty() bool {
	return s.Counts().Total() == 0
}

// Reset drops every record
func (s *RecordSet) Reset() {
	*s = RecordSet{}
}

// Clone returns a copy that shares no backing arrays with s
func (s RecordSet) Clone() RecordSet {
	var c RecordSet
	c.Append(s)
	return c
}

// Records returns the collection for kind as generic records
func (s RecordSet) Records(kind Kind) []Record {
	switch kind {
	case KindPages:
		return toRecords(s.Pages)
	case KindVotes:
		return toRecords(s.Votes)
	case KindRevisions:
		return toRecords(s.Revisions)
	case KindAttributions:
		return toRecords(s.Attributions)
	case KindRelations:
		return toRecords(s.Relations)
	case KindAlternateTitles:
		return toRecords(s.AlternateTitles)
	}
	return nil
}

func toRecords[T Record](in []T) []Record {
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r
	}
	return out
}
