package extract

import (
	"fmt"
	"strings"
	"time"
)

const truncationMarker = "\n[truncated]"

// truncateInput caps text at maxChars characters and appends a marker when it
// had to cut. Counting is by rune so multi-byte text is never split.
func truncateInput(text string, maxChars int) (string, bool) {
	if maxChars <= 0 {
		return text, false
	}
	count := 0
	for i := range text {
		if count == maxChars {
			return text[:i] + truncationMarker, true
		}
		count++
	}
	return text, false
}

// BuildPrompt renders the extraction instructions around the syllabus text.
// now anchors the default year and the roll-forward rule.
func BuildPrompt(text string, now time.Time) string {
	year := now.Year()
	month := now.Month()

	var b strings.Builder
	b.WriteString(`You are an expert calendar event extractor. Your ONLY job is to find EVERY SINGLE date-related item in this syllabus and convert it to a calendar event.

CRITICAL INSTRUCTIONS:
1. Extract EVERY event with a date - do not skip anything
2. Look through the ENTIRE syllabus carefully
3. Common items to extract:
   - All assignments (HW, homework, problem sets, papers, essays, projects)
   - All tests (exams, midterms, finals, quizzes)
   - All readings (chapters, articles, book sections)
   - All class sessions (lectures, labs, discussions, office hours)
   - All project milestones, deadlines and presentations
4. If an item has a date range (e.g., "Week 1-2"), create separate events for key dates
5. If you see a schedule or calendar in the syllabus, extract EVERY entry

TITLE FORMATTING RULES (VERY IMPORTANT):
- Regular class sessions: Title must start with "Class -" (e.g., "Class - Aug 25")
- Exams ONLY: Use "Midterm Exam 1", "Midterm Exam 2", "Final Exam" (only for actual graded exams)
- Quizzes: Start with "Quiz" (e.g., "Quiz 1")
- Assignments: Start with "Assignment:", "Paper:", "Essay:", etc.
- Review sessions: Start with "Class -" (NOT "Exam" - these are classes, not exams)
- DO NOT use the word "Exam" or "Test" in titles unless it is an actual graded examination

Return ONLY a JSON array with this exact format (DO NOT include description or location):
[{"title":"Assignment 1","start":"YYYY-MM-DDTHH:mm:ss"}]
`)
	fmt.Fprintf(&b, `
Date/Time Rules:
- Due dates/assignments: use 23:59:00 if no specific time given
- Classes/exams: use 09:00:00 if no specific time given (use actual time if provided)
- If year not specified, use %d
- If month is before current month (%s), assume next year (%d)
- Format: ISO 8601 local time (YYYY-MM-DDTHH:mm:ss), no time zone suffix

IMPORTANT: Extract ALL events. If the syllabus has 50 events, return all 50. Do not summarize or skip any.

Syllabus Text:
%s`, year, month, year+1, text)

	return b.String()
}
