// Package classify maps event titles to calendar categories.
//
// Two strategies exist on purpose. Persisted decides the category stored with
// each event. Display is the looser substring heuristic used when rendering a
// library listing; it checks exams first and can disagree with Persisted (for
// example "Midterm Exam Review" is a class when persisted but an exam when
// displayed). Do not merge them without a product decision.
package classify

import (
	"regexp"
	"strings"

	"github.com/blueflame567/SyllabTrack/app/models"
)

// Classifier assigns exactly one category to an event. Implementations are
// total and deterministic.
type Classifier interface {
	Classify(title, description string) models.Category
}

var (
	reAssignment = regexp.MustCompile(`(?i)\b(assignment|homework|hw|problem set|ps|essay|paper|project)\b`)
	reQuiz       = regexp.MustCompile(`(?i)\b(quiz|quizzes)\b`)
	reClass      = regexp.MustCompile(`(?i)\b(class|lecture|lab|discussion|session|review|preparation|prep|workshop)\b`)
	reExamReview = regexp.MustCompile(`(?i)\b(midterm|final)\s+(exam|test)\s+(review|prep|preparation)\b`)
	reExamNamed  = regexp.MustCompile(`(?i)\b(midterm|final)\s+(exam|test)\b`)
	reExamBare   = regexp.MustCompile(`(?i)^(exam|test)\s*\d*$`)
	reExamExact  = regexp.MustCompile(`(?i)^(midterm|final exam)$`)
	reReading    = regexp.MustCompile(`(?i)\b(reading|chapter|article|book)\b`)
)

// Persisted is the word-boundary classifier whose result is stored on events.
// Rules are evaluated in order: assignment, quiz, class, exam, reading.
type Persisted struct{}

func (Persisted) Classify(title, description string) models.Category {
	text := joinText(title, description)

	switch {
	case reAssignment.MatchString(text):
		return models.CategoryAssignment
	case reQuiz.MatchString(text):
		return models.CategoryQuiz
	case reClass.MatchString(text):
		return models.CategoryClass
	case isExam(text):
		return models.CategoryExam
	case reReading.MatchString(text):
		return models.CategoryReading
	}
	return models.CategoryOther
}

func isExam(text string) bool {
	if reExamReview.MatchString(text) {
		return false
	}
	return reExamNamed.MatchString(text) || reExamBare.MatchString(text) || reExamExact.MatchString(text)
}

// Display is the presentation heuristic: plain substring checks with exam
// first, then quiz, assignment, reading, class.
type Display struct{}

func (Display) Classify(title, description string) models.Category {
	text := strings.ToLower(title + " " + description)

	switch {
	case containsAny(text, "exam", "midterm", "final"):
		return models.CategoryExam
	case strings.Contains(text, "quiz"):
		return models.CategoryQuiz
	case containsAny(text, "assignment", "homework", " due", "project"):
		return models.CategoryAssignment
	case containsAny(text, "reading", "chapter"):
		return models.CategoryReading
	case containsAny(text, "class", "lecture"):
		return models.CategoryClass
	}
	return models.CategoryOther
}

func joinText(title, description string) string {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	if description == "" {
		return title
	}
	if title == "" {
		return description
	}
	return title + " " + description
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
