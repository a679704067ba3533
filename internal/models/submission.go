package models

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus is the review state of a talk proposal.
type SubmissionStatus string

const (
	SubmissionSubmitted   SubmissionStatus = "SUBMITTED"
	SubmissionUnderReview SubmissionStatus = "UNDER_REVIEW"
	SubmissionAccepted    SubmissionStatus = "ACCEPTED"
	SubmissionRejected    SubmissionStatus = "REJECTED"
	SubmissionWaitlisted  SubmissionStatus = "WAITLISTED"
	SubmissionWithdrawn   SubmissionStatus = "WITHDRAWN"
)

// Valid reports whether s is a known status.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionSubmitted, SubmissionUnderReview, SubmissionAccepted,
		SubmissionRejected, SubmissionWaitlisted, SubmissionWithdrawn:
		return true
	}
	return false
}

// Submission is a talk proposal by a speaker for an event.
type Submission struct {
	ID          uuid.UUID        `json:"id"`
	EventID     uuid.UUID        `json:"event_id"`
	SpeakerID   uuid.UUID        `json:"speaker_id"`
	TrackID     *uuid.UUID       `json:"track_id,omitempty"`
	FormatID    *uuid.UUID       `json:"format_id,omitempty"`
	Title       string           `json:"title"`
	Abstract    string           `json:"abstract"`
	Outline     string           `json:"outline"`
	Status      SubmissionStatus `json:"status"`
	SpeakerName string           `json:"speaker_name,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Recommendation is a reviewer's verdict.
type Recommendation string

const (
	RecommendAccept  Recommendation = "ACCEPT"
	RecommendReject  Recommendation = "REJECT"
	RecommendNeutral Recommendation = "NEUTRAL"
)

// Review is one reviewer's score for one submission.
type Review struct {
	ID             uuid.UUID      `json:"id"`
	SubmissionID   uuid.UUID      `json:"submission_id"`
	ReviewerID     uuid.UUID      `json:"reviewer_id"`
	ReviewerName   string         `json:"reviewer_name,omitempty"`
	Score          int            `json:"score"`
	Comment        string         `json:"comment"`
	Recommendation Recommendation `json:"recommendation"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ReviewSummary aggregates reviews of a submission.
type ReviewSummary struct {
	SubmissionID    uuid.UUID              `json:"submission_id"`
	Count           int                    `json:"count"`
	AverageScore    float64                `json:"average_score"`
	MinScore        int                    `json:"min_score"`
	MaxScore        int                    `json:"max_score"`
	Recommendations map[Recommendation]int `json:"recommendations"`
}

// Summarize computes a ReviewSummary from a list of reviews.
func Summarize(submissionID uuid.UUID, reviews []Review) ReviewSummary {
	s := ReviewSummary{
		SubmissionID:    submissionID,
		Count:           len(reviews),
		Recommendations: map[Recommendation]int{},
	}
	if len(reviews) == 0 {
		return s
	}
	total := 0
	s.MinScore, s.MaxScore = reviews[0].Score, reviews[0].Score
	for _, r := range reviews {
		total += r.Score
		if r.Score < s.MinScore {
			s.MinScore = r.Score
		}
		if r.Score > s.MaxScore {
			s.MaxScore = r.Score
		}
		s.Recommendations[r.Recommendation]++
	}
	s.AverageScore = float64(total) / float64(len(reviews))
	return s
}

// Message is a note between a speaker and the event organizers about a submission.
type Message struct {
	ID           uuid.UUID  `json:"id"`
	SubmissionID uuid.UUID  `json:"submission_id"`
	SenderID     uuid.UUID  `json:"sender_id"`
	SenderName   string     `json:"sender_name,omitempty"`
	Body         string     `json:"body"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
