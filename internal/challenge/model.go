package challenge

import "time"

// Question is a word-lookup prompt: the reader finds the word at
// (page, line, word_index) in their copy of the book. The answer never
// leaves the server.
type Question struct {
	ID        int64  `json:"id"`
	BookID    string `json:"book_id"`
	Page      int    `json:"page"`
	Line      int    `json:"line"`
	WordIndex int    `json:"word_index"`
}

// QuestionInput is one row of the administrative answer-key load,
// upserted on (book_id, page, line, word_index).
type QuestionInput struct {
	BookID     string `json:"book_id"`
	Page       int    `json:"page"`
	Line       int    `json:"line"`
	WordIndex  int    `json:"word_index"`
	AnswerWord string `json:"answer_word"`
}

type Answer struct {
	QuestionID int64  `json:"questionId"`
	Value      string `json:"value"`
}

type Entitlement struct {
	BookID    string    `json:"book_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type GradeResult struct {
	Correct   int
	Passed    bool
	ExpiresAt time.Time
}
