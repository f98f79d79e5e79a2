package models

import "time"

type Category string

const (
	CategoryAssignment Category = "assignment"
	CategoryQuiz       Category = "quiz"
	CategoryExam       Category = "exam"
	CategoryClass      Category = "class"
	CategoryReading    Category = "reading"
	CategoryOther      Category = "other"
)

// Format tags for ingested documents.
const (
	FormatPDF  = "pdf"
	FormatDOCX = "docx"
	FormatTXT  = "txt"
)

// Syllabus is one ingested document or pasted text.
type Syllabus struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	FileName  string    `json:"fileName"`
	FileType  string    `json:"fileType"`
	RawText   string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	Events    []Event   `json:"events,omitempty"`
}

// Event is one extracted calendar item.
type Event struct {
	ID          string     `json:"id"`
	SyllabusID  string     `json:"syllabusId"`
	Title       string     `json:"title"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end"`
	Category    Category   `json:"type"`
	Description *string    `json:"description"`
	Location    *string    `json:"location"`
	CreatedAt   time.Time  `json:"createdAt"`
}
