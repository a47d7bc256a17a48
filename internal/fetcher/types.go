package fetcher

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/ratelimit"
)

// ID accepts identifiers encoded either as JSON strings or numbers
type ID string

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// User is an account referenced by pages, votes, revisions and attributions
type User struct {
	WikidotID ID     `json:"wikidotId"`
	Name      string `json:"name"`
}

// Link references another page
type Link struct {
	URL string `json:"url"`
}

// AlternateTitle is an extra display title
type AlternateTitle struct {
	Title string `json:"title"`
}

// Attribution credits a user for a page
type Attribution struct {
	Type  string `json:"type"`
	Date  string `json:"date"`
	Order int    `json:"order"`
	User  *User  `json:"user"`
}

// Vote is one vote on a page
type Vote struct {
	Direction int    `json:"direction"`
	Timestamp string `json:"timestamp"`
	User      *User  `json:"user"`
}

// Revision is one entry of a page's history
type Revision struct {
	Index     int    `json:"index"`
	WikidotID ID     `json:"wikidotId"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Comment   string `json:"comment"`
	User      *User  `json:"user"`
}

// RawNode is one page node as returned by the API. Any nested field may be null.
type RawNode struct {
	URL             string           `json:"url"`
	WikidotID       ID               `json:"wikidotId"`
	Title           string           `json:"title"`
	Category        string           `json:"category"`
	Rating          float64          `json:"rating"`
	VoteCount       int              `json:"voteCount"`
	RevisionCount   int              `json:"revisionCount"`
	Source          string           `json:"source"`
	TextContent     string           `json:"textContent"`
	CreatedAt       string           `json:"createdAt"`
	CreatedBy       *User            `json:"createdBy"`
	Tags            []string         `json:"tags"`
	IsHidden        bool             `json:"isHidden"`
	IsUserPage      bool             `json:"isUserPage"`
	Parent          *Link            `json:"parent"`
	Children        []Link           `json:"children"`
	TranslationOf   *Link            `json:"translationOf"`
	Translations    []Link           `json:"translations"`
	AlternateTitles []AlternateTitle `json:"alternateTitles"`
	Attributions    []Attribution    `json:"attributions"`
	Votes           []Vote           `json:"votes"`
	Revisions       []Revision       `json:"revisions"`
}

// Request asks for one page of nodes after Cursor
type Request struct {
	Batch  int
	Cursor string
	First  int
}

// Page is one paginated response
type Page struct {
	Nodes       []RawNode
	NextCursor  string
	HasNextPage bool
	Budget      ratelimit.Budget
	Duration    time.Duration
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data *struct {
		Pages *struct {
			Edges []struct {
				Node   RawNode `json:"node"`
				Cursor string  `json:"cursor"`
			} `json:"edges"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"pages"`
		RateLimit *struct {
			Cost      int    `json:"cost"`
			Remaining int    `json:"remaining"`
			ResetAt   string `json:"resetAt"`
		} `json:"rateLimit"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (r *graphQLResponse) budget() ratelimit.Budget {
	if r.Data == nil || r.Data.RateLimit == nil {
		return ratelimit.Budget{}
	}
	rl := r.Data.RateLimit
	b := ratelimit.Budget{Cost: rl.Cost, Remaining: rl.Remaining}
	if t, err := time.Parse(time.RFC3339Nano, rl.ResetAt); err == nil {
		b.ResetAt = t
	}
	return b
}
