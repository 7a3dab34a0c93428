// Package ols pages through ontology terms served by an Ontology Lookup
// Service (OLS4) instance.
package ols

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public EBI OLS4 API.
	DefaultBaseURL = "https://www.ebi.ac.uk/ols4/api"

	// DefaultPageSize is the number of terms requested per page.
	DefaultPageSize = 500
)

// Config holds configuration for the OLS client.
type Config struct {
	// BaseURL is the OLS API root (default: DefaultBaseURL).
	BaseURL string

	// PageSize is the page size requested from OLS (default: DefaultPageSize).
	PageSize int

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// Term is one ontology class.
type Term struct {
	IRI         string
	OBOID       string
	ShortForm   string
	Label       string
	Description string
}

// ConceptID returns the OBO id, falling back to the short form.
func (t Term) ConceptID() string {
	if t.OBOID != "" {
		return t.OBOID
	}
	return t.ShortForm
}

// Client reads terms from OLS.
type Client struct {
	baseURL  string
	pageSize int
	client   *http.Client
}

// NewClient creates a new OLS client.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: baseURL, pageSize: pageSize, client: client}
}

type termsResponse struct {
	Embedded struct {
		Terms []struct {
			IRI         string   `json:"iri"`
			Label       string   `json:"label"`
			Description []string `json:"description"`
			ShortForm   string   `json:"short_form"`
			OBOID       string   `json:"obo_id"`
		} `json:"terms"`
	} `json:"_embedded"`
	Page struct {
		Number     int `json:"number"`
		TotalPages int `json:"totalPages"`
	} `json:"page"`
}

// Terms fetches the ontology page by page and hands each page to fn. An
// error from fn stops paging.
func (c *Client) Terms(ctx context.Context, ontologyID string, fn func([]Term) error) error {
	if strings.TrimSpace(ontologyID) == "" {
		return fmt.Errorf("ontology id is required")
	}
	for page := 0; ; page++ {
		resp, err := c.fetch(ctx, ontologyID, page)
		if err != nil {
			return err
		}

		terms := make([]Term, 0, len(resp.Embedded.Terms))
		for _, t := range resp.Embedded.Terms {
			term := Term{
				IRI:       t.IRI,
				OBOID:     t.OBOID,
				ShortForm: t.ShortForm,
				Label:     t.Label,
			}
			if len(t.Description) > 0 {
				term.Description = t.Description[0]
			}
			terms = append(terms, term)
		}
		if len(terms) > 0 {
			if err := fn(terms); err != nil {
				return err
			}
		}

		if resp.Page.Number+1 >= resp.Page.TotalPages || len(terms) == 0 {
			return nil
		}
	}
}

func (c *Client) fetch(ctx context.Context, ontologyID string, page int) (*termsResponse, error) {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("size", fmt.Sprint(c.pageSize))
	endpoint := fmt.Sprintf("%s/ontologies/%s/terms?%s", c.baseURL, url.PathEscape(ontologyID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch terms page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ols returned status %d: %s", resp.StatusCode, string(body))
	}

	var out termsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode terms page %d: %w", page, err)
	}
	return &out, nil
}
