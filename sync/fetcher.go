package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// pageLimit bounds a single run so a misbehaving provider cannot keep us
// looping on nextLinks forever.
const pageLimit = 500

// EmailAddress mirrors the provider's nested address object.
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

type MessageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type RemovedInfo struct {
	Reason string `json:"reason"`
}

// RawChange is one entry from a delta page, exactly as the provider sent
// it. A non-nil Removed marks a tombstone; everything else is an upsert.
type RawChange struct {
	ID               string       `json:"id"`
	Removed          *RemovedInfo `json:"@removed,omitempty"`
	Subject          *string      `json:"subject"`
	BodyPreview      string       `json:"bodyPreview"`
	Body             *MessageBody `json:"body"`
	From             *Recipient   `json:"from"`
	ToRecipients     []Recipient  `json:"toRecipients"`
	ReceivedDateTime string       `json:"receivedDateTime"`
	ConversationID   string       `json:"conversationId"`
}

type deltaPage struct {
	Value     []RawChange `json:"value"`
	NextLink  string      `json:"@odata.nextLink"`
	DeltaLink string      `json:"@odata.deltaLink"`
}

// PageFetcher walks the provider's paginated delta feed for one folder.
type PageFetcher struct {
	client  *http.Client
	baseURL string
	logger  *logrus.Logger
}

func NewPageFetcher(logger *logrus.Logger) *PageFetcher {
	return &PageFetcher{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: defaultGraphBaseURL,
		logger:  logger,
	}
}

// NewPageFetcherWithBase targets a non-default Graph endpoint (sovereign
// clouds, test servers).
func NewPageFetcherWithBase(baseURL string, logger *logrus.Logger) *PageFetcher {
	f := NewPageFetcher(logger)
	f.baseURL = baseURL
	return f
}

// FetchChanges streams every change since the cursor through fn, following
// nextLinks until the provider hands back a delta link, which is returned
// as the new cursor. A nil cursor starts a full enumeration from the base
// delta endpoint. On any error the returned cursor is empty and the caller
// must keep its previous one; nothing fetched so far is lost because the
// provider replays from the old cursor next run.
func (f *PageFetcher) FetchChanges(ctx context.Context, accessToken, folder string, cursor *string, fn func(RawChange) error) (string, error) {
	const op = "fetcher.fetch"

	pageURL := f.baseURL + "/me/mailFolders/" + url.PathEscape(folder) + "/messages/delta"
	if cursor != nil && *cursor != "" {
		pageURL = *cursor
	}

	for page := 0; page < pageLimit; page++ {
		body, err := f.getPage(ctx, pageURL, accessToken)
		if err != nil {
			return "", err
		}

		for _, change := range body.Value {
			if err := fn(change); err != nil {
				return "", err
			}
		}

		switch {
		case body.NextLink != "":
			pageURL = body.NextLink
		case body.DeltaLink != "":
			return body.DeltaLink, nil
		default:
			return "", newError(KindProviderRejected, op,
				errors.New("delta page carries neither nextLink nor deltaLink"))
		}
	}

	return "", newError(KindProviderRejected, op,
		fmt.Errorf("folder %q did not converge within %d pages", folder, pageLimit))
}

func (f *PageFetcher) getPage(ctx context.Context, pageURL, accessToken string) (*deltaPage, error) {
	const op = "fetcher.page"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, newError(KindProviderRejected, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		// Timeouts, refused connections, DNS failures.
		return nil, newError(KindTransient, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(op, resp.StatusCode)
	}

	var page deltaPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, newError(KindProviderRejected, op, fmt.Errorf("decode delta page: %w", err))
	}

	f.logger.WithFields(logrus.Fields{
		"records":   len(page.Value),
		"has_next":  page.NextLink != "",
		"has_delta": page.DeltaLink != "",
	}).Debug("fetched delta page")

	return &page, nil
}

func classifyStatus(op string, status int) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return newError(KindAuthExpired, op, fmt.Errorf("provider returned %d", status))
	case status == http.StatusTooManyRequests || status >= 500:
		return newError(KindTransient, op, fmt.Errorf("provider returned %d", status))
	default:
		return newError(KindProviderRejected, op, fmt.Errorf("provider returned %d", status))
	}
}
