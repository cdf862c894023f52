// Package graph queries Microsoft Entra group membership through the Graph
// API using the signed-in user's access token.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const (
	perPage  = 500 // Graph allows up to 999
	maxPages = 10

	odataType     = "@odata.type"
	odataNextLink = "@odata.nextLink"
	userType      = "#microsoft.graph.user"
)

// GroupMember is a user in a group.
type GroupMember struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// MemberLister lists the users in a group.
type MemberLister interface {
	ListAllGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error)
}

// Client is a minimal Graph client.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient creates a client. httpClient must authorize its requests; see
// BuildInitClient. An empty baseURL means DefaultBaseURL.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: httpClient, baseURL: strings.TrimSuffix(baseURL, "/")}
}

type memberPage struct {
	Value    []map[string]any `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

// ListAllGroupMembers returns the direct and indirect user members of a
// group, up to maxPages*perPage entries. Nested groups and other directory
// objects are skipped.
func (c *Client) ListAllGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	query := url.Values{
		"$select": {"id,displayName"},
		"$top":    {strconv.Itoa(perPage)},
	}
	endpoint := c.baseURL + "/groups/" + url.PathEscape(groupID) + "/transitiveMembers"

	var members []GroupMember
	for range maxPages {
		page, err := c.fetchPage(ctx, endpoint+"?"+query.Encode())
		if err != nil {
			return nil, err
		}
		for _, v := range page.Value {
			if v[odataType] != userType {
				continue
			}
			id, _ := v["id"].(string)
			name, _ := v["displayName"].(string)
			members = append(members, GroupMember{ID: id, DisplayName: name})
		}

		token := ExtractSkipToken(page.NextLink)
		if token == "" {
			break
		}
		query.Set("$skiptoken", token)
	}
	return members, nil
}

func (c *Client) fetchPage(ctx context.Context, target string) (*memberPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
		return nil, fmt.Errorf("graph request: status %d %s: %s", resp.StatusCode, body.Error.Code, body.Error.Message)
	}

	var page memberPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode graph response: %w", err)
	}
	return &page, nil
}

// ExtractSkipToken returns the $skiptoken parameter of a next link, matched
// case-insensitively, or "" when there is none.
func ExtractSkipToken(link string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	for k, v := range u.Query() {
		if strings.EqualFold(k, "$skiptoken") && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
