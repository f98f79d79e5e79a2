package app

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/blueflame567/SyllabTrack/app/calendar"
	"github.com/blueflame567/SyllabTrack/app/classify"
	"github.com/blueflame567/SyllabTrack/app/docs"
	"github.com/blueflame567/SyllabTrack/app/extract"
	"github.com/blueflame567/SyllabTrack/app/models"
	"github.com/blueflame567/SyllabTrack/app/usage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	pastedFileName  = "text-input.txt"
	multipartMemory = 8 << 20
	icsContentType  = "text/calendar; charset=utf-8"
)

type parseInput struct {
	fileName string
	format   string
	text     string
}

// ParseSyllabus accepts multipart "text" or "file", checks the quota and runs
// the extraction pipeline.
func (s *Server) ParseSyllabus(c *gin.Context) {
	u, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}

	decision, err := s.ledger.Admit(c.Request.Context(), u.ID, u.Tier)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !decision.Allowed {
		s.metrics.IncQuotaDenial()
		limit := 0
		if decision.Limit != nil {
			limit = *decision.Limit
		}
		c.JSON(http.StatusForbidden, quotaBody(decision.CurrentUsage, limit))
		return
	}

	in, status, err := s.readParseInput(c)
	if err != nil {
		if status != 0 {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		s.respondError(c, err)
		return
	}

	res, err := s.pipeline.Extract(c.Request.Context(), extract.Request{
		UserID:   u.ID,
		Tier:     u.Tier,
		FileName: in.fileName,
		Format:   in.format,
		Text:     in.text,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events":     nonNil(res.Events),
		"syllabusId": res.SyllabusID,
		"warnings":   res.Warnings,
		"truncated":  res.Truncated,
		"usage": gin.H{
			"current": res.UsageCount,
			"limit":   usage.LimitFor(u.Tier),
			"tier":    u.Tier,
		},
	})
}

// readParseInput returns a non-zero status for transport problems; other
// errors go through respondError.
func (s *Server) readParseInput(c *gin.Context) (parseInput, int, error) {
	maxBytes := s.cfg.Extraction.UploadMaxBytes
	if maxBytes > 0 {
		if c.Request.ContentLength > maxBytes {
			return parseInput{}, http.StatusRequestEntityTooLarge, fmt.Errorf("file too large, the limit is %d bytes", maxBytes)
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
	}
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return parseInput{}, http.StatusRequestEntityTooLarge, fmt.Errorf("file too large, the limit is %d bytes", maxBytes)
		}
		return parseInput{}, http.StatusBadRequest, errors.New("invalid form data")
	}

	if text := c.PostForm("text"); strings.TrimSpace(text) != "" {
		return parseInput{fileName: pastedFileName, format: models.FormatTXT, text: text}, 0, nil
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return parseInput{}, http.StatusBadRequest, errors.New("no file or text provided")
	}
	format, err := docs.FormatFor(fh.Filename)
	if err != nil {
		return parseInput{}, 0, err
	}
	f, err := fh.Open()
	if err != nil {
		return parseInput{}, 0, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return parseInput{}, 0, fmt.Errorf("read upload: %w", err)
	}

	text, err := docs.ExtractText(data, format)
	if err != nil {
		return parseInput{}, 0, err
	}
	return parseInput{fileName: filepath.Base(fh.Filename), format: format, text: text}, 0, nil
}

type eventView struct {
	models.Event
	DisplayCategory models.Category `json:"displayCategory"`
}

type syllabusView struct {
	models.Syllabus
	Events []eventView `json:"events"`
}

// ListSyllabi returns the caller's library, newest first. Each event also
// carries the display-time category.
func (s *Server) ListSyllabi(c *gin.Context) {
	u, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}
	list, err := s.store.ListSyllabi(c.Request.Context(), u.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	display := classify.Display{}
	out := make([]syllabusView, 0, len(list))
	for _, syl := range list {
		view := syllabusView{Syllabus: syl, Events: make([]eventView, 0, len(syl.Events))}
		for _, e := range syl.Events {
			desc := ""
			if e.Description != nil {
				desc = *e.Description
			}
			view.Events = append(view.Events, eventView{Event: e, DisplayCategory: display.Classify(e.Title, desc)})
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"syllabi": out})
}

// SyllabusCalendar exports one stored syllabus as an .ics file.
func (s *Server) SyllabusCalendar(c *gin.Context) {
	u, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}
	syl, err := s.store.GetSyllabus(c.Request.Context(), u.ID, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.writeCalendar(c, calendar.Build(syl.Events), calendarFileName(syl.FileName))
}

type calendarEventRequest struct {
	Title       string     `json:"title"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
}

type calendarRequest struct {
	FileName string                 `json:"fileName"`
	Events   []calendarEventRequest `json:"events"`
}

// BuildCalendar serializes caller-edited events without touching the store.
func (s *Server) BuildCalendar(c *gin.Context) {
	var req calendarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	items := make([]calendar.Item, 0, len(req.Events))
	for _, e := range req.Events {
		it := calendar.Item{
			Title:       strings.TrimSpace(e.Title),
			Start:       e.Start,
			End:         e.Start.Add(time.Hour),
			Description: e.Description,
			Location:    e.Location,
		}
		if e.End != nil {
			it.End = *e.End
		}
		items = append(items, it)
	}
	s.writeCalendar(c, items, calendarFileName(req.FileName))
}

func (s *Server) writeCalendar(c *gin.Context, items []calendar.Item, fileName string) {
	body, err := calendar.Serialize(items, s.cfg.Extraction.Location, time.Now().UTC())
	if err != nil {
		s.log.Info("calendar export rejected", zap.Error(err))
		s.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	c.Data(http.StatusOK, icsContentType, body)
}

func calendarFileName(source string) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	if base == "" || base == "." || base == "/" {
		base = "syllabus"
	}
	return base + ".ics"
}
