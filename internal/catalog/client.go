// Package catalog is a thin HTTP client for the external catalog/user
// service that owns quiz content. The realtime service treats it purely as
// a quiz-loading dependency — Room depends on types.ContentProvider, never
// on this package directly.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/quizroom/backend/internal/logging"
	"github.com/quizroom/backend/internal/types"
	"go.uber.org/zap"
)

// ErrQuizNotFound is returned when the catalog service has no quiz with the
// requested ID.
var ErrQuizNotFound = errors.New("catalog: quiz not found")

// Client is the default net/http implementation of types.ContentProvider.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a catalog client. timeout bounds every request; the
// caller's context can still cancel sooner.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type quizResponse struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Questions []questionResponse `json:"questions"`
}

type questionResponse struct {
	Index              int      `json:"index"`
	Prompt             string   `json:"prompt"`
	Options            []string `json:"options"`
	CorrectIndex       int      `json:"correct_index"`
	Explanation        string   `json:"explanation"`
	DurationMsOverride int64    `json:"duration_ms_override"`
}

// GetQuizContent fetches a quiz's ordered question list from the catalog
// service's REST endpoint.
func (c *Client) GetQuizContent(ctx context.Context, quizID types.QuizIDType) (*types.Quiz, error) {
	url := fmt.Sprintf("%s/quizzes/%s", c.baseURL, quizID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logging.Error(ctx, "catalog request failed", zap.String("quiz_id", string(quizID)), zap.Error(err))
		return nil, fmt.Errorf("catalog: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrQuizNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: unexpected status %d", resp.StatusCode)
	}

	var body quizResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("catalog: decode response: %w", err)
	}
	if len(body.Questions) == 0 {
		return nil, fmt.Errorf("catalog: quiz %s has no questions", quizID)
	}

	quiz := &types.Quiz{
		ID:        types.QuizIDType(body.ID),
		Title:     body.Title,
		Questions: make([]types.Question, 0, len(body.Questions)),
	}
	for _, q := range body.Questions {
		quiz.Questions = append(quiz.Questions, types.Question{
			Index:              q.Index,
			Prompt:             q.Prompt,
			Options:            q.Options,
			CorrectIndex:       q.CorrectIndex,
			Explanation:        q.Explanation,
			DurationMsOverride: q.DurationMsOverride,
		})
	}
	return quiz, nil
}
