package fetcher

import "strings"

const pagesQuery = `query HarvestPages($filter: QueryPagesFilter, $first: Int, $after: ID) {
  pages(filter: $filter, first: $first, after: $after) {
    edges {
      node {
        url
        ... on WikidotPage {
          wikidotId
          title
          category
          rating
          voteCount
          revisionCount
          source
          textContent
          createdAt
          createdBy USER
          tags
          isHidden
          isUserPage
          parent { url }
          children { url }
          translationOf { url }
          translations { url }
          alternateTitles { title }
          attributions { type date order user USER }
          votes { direction timestamp user USER }
          revisions { index wikidotId timestamp type comment user USER }
        }
      }
      cursor
    }
    pageInfo { hasNextPage endCursor }
  }
  rateLimit { cost remaining resetAt }
}`

// BuildQuery returns the single wide projection requested for every batch.
// Without user details only account ids are requested.
func BuildQuery(includeUserDetails bool) string {
	user := "{ wikidotId }"
	if includeUserDetails {
		user = "{ wikidotId name }"
	}
	return strings.ReplaceAll(pagesQuery, "USER", user)
}

// buildVariables returns the GraphQL variables for one request
func buildVariables(baseURL string, req Request) map[string]any {
	vars := map[string]any{
		"first": req.First,
		"after": nil,
	}
	if req.Cursor != "" {
		vars["after"] = req.Cursor
	}
	if baseURL != "" {
		vars["filter"] = map[string]any{
			"url": map[string]any{"startsWith": baseURL},
		}
	}
	return vars
}
