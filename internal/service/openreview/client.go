package openreview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"paperlens/internal/fetch"
	"paperlens/internal/models"
)

// ErrNotFound is returned when the registry answers but knows no note with the id.
var ErrNotFound = errors.New("paper not found")

const (
	userAgent  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/142.0.0.0 Safari/537.36"
	siteOrigin = "https://openreview.net"
)

// Client queries the OpenReview notes API.
type Client struct {
	baseURL string
	http    *http.Client
	retrier *fetch.Retrier
}

func NewClient(baseURL string, httpClient *http.Client, retrier *fetch.Retrier) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		retrier: retrier,
	}
}

// FetchPaper loads the metadata of one paper.
func (c *Client) FetchPaper(ctx context.Context, id string) (*models.PaperInfo, error) {
	endpoint := c.baseURL + "/notes?id=" + url.QueryEscape(id)

	var info *models.PaperInfo
	err := c.retrier.Do(ctx, endpoint, func(ctx context.Context) error {
		body, err := c.get(ctx, endpoint)
		if err != nil {
			return err
		}
		parsed, err := parseNote(body)
		if err != nil {
			return err
		}
		info = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fetch.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json,text/*;q=0.99")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", siteOrigin+"/")
	req.Header.Set("Origin", siteOrigin)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request notes: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read notes: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("notes api status %s", resp.Status)
	}
	return body, nil
}

func parseNote(body []byte) (*models.PaperInfo, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("notes api returned invalid json")
	}
	doc := gjson.ParseBytes(body)
	notes := doc.Get("notes")
	if !notes.IsArray() || len(notes.Array()) == 0 {
		return nil, fetch.Permanent(ErrNotFound)
	}

	note := notes.Get("0")
	content := note.Get("content")
	id := note.Get("id").String()
	keywords := lo.Map(content.Get("keywords.value").Array(), func(v gjson.Result, _ int) string {
		return v.String()
	})

	return &models.PaperInfo{
		ID:       id,
		Title:    content.Get("title.value").String(),
		Abstract: content.Get("abstract.value").String(),
		Keywords: keywords,
		TLDR:     content.Get("TLDR.value").String(),
		Venue:    content.Get("venue.value").String(),
		PDFURL:   fmt.Sprintf("%s/attachment?id=%s&name=pdf", siteOrigin, id),
	}, nil
}
