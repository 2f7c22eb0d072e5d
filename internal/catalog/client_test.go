package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetQuizContent_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "quiz-1",
			"title": "Capitals",
			"questions": [
				{"index": 0, "prompt": "Capital of France?", "options": ["Paris", "Lyon"], "correct_index": 0}
			]
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	quiz, err := client.GetQuizContent(context.Background(), "quiz-1")

	require.NoError(t, err)
	require.Len(t, quiz.Questions, 1)
	assert.Equal(t, "Capital of France?", quiz.Questions[0].Prompt)
	assert.Equal(t, 0, quiz.Questions[0].CorrectIndex)
}

func TestGetQuizContent_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.GetQuizContent(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrQuizNotFound)
}

func TestGetQuizContent_EmptyQuestionsIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"quiz-2","title":"Empty","questions":[]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.GetQuizContent(context.Background(), "quiz-2")

	assert.Error(t, err)
}
