package http

import (
	"embed"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"lab-assistant/internal/core"
	"lab-assistant/internal/loader"
	"lab-assistant/pkg"
)

//go:embed templates/*.html
var templateFS embed.FS

// multipartOverhead is allowed on top of the upload limit for the form
// envelope around the file.
const multipartOverhead = 64 << 10

// Server bundles together the dependencies required by HTTP handlers.  It
// implements http.Handler so it can be passed to http.Server.
type Server struct {
	Assistant      *core.Assistant
	Logger         *logrus.Logger
	MaxUploadBytes int64

	router *gin.Engine
}

// NewServer constructs a Server and its routes.  HTML templates are
// embedded in the binary.
func NewServer(assistant *core.Assistant, logger *logrus.Logger, maxUploadBytes int64) (*Server, error) {
	if maxUploadBytes <= 0 {
		maxUploadBytes = loader.DefaultMaxBytes
	}
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.SetHTMLTemplate(tmpl)
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware(logger))
	router.Use(gin.Recovery())

	s := &Server{
		Assistant:      assistant,
		Logger:         logger,
		MaxUploadBytes: maxUploadBytes,
		router:         router,
	}
	s.setupRoutes()
	return s, nil
}

// ServeHTTP dispatches to the gin router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/", s.handleIndex)

	api := s.router.Group("/api")
	{
		api.GET("/languages", s.handleLanguages)
		api.POST("/sessions", s.handleCreateSession)

		sess := api.Group("/sessions/:id")
		sess.DELETE("", s.handleEndSession)
		sess.POST("/upload", s.handleUpload)
		sess.GET("/record", s.handleRecord)
		sess.POST("/report", s.handleReport)
		sess.POST("/questions", s.handleQuestion)
		sess.GET("/transcript", s.handleTranscript)
		sess.GET("/report/download", s.handleDownload)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleIndex renders the single-page clinician interface.
func (s *Server) handleIndex(c *gin.Context) {
	type option struct {
		Code string
		Name string
	}
	var langs []option
	for _, l := range s.Assistant.Languages() {
		name, _ := core.LanguageName(l)
		langs = append(langs, option{Code: string(l), Name: name})
	}
	c.HTML(http.StatusOK, "index.html", gin.H{
		"Languages":  langs,
		"Disclaimer": core.Disclaimer,
		"MaxBytes":   s.MaxUploadBytes,
	})
}

func (s *Server) handleLanguages(c *gin.Context) {
	langs := s.Assistant.Languages()
	out := make([]gin.H, 0, len(langs))
	for _, l := range langs {
		name, _ := core.LanguageName(l)
		out = append(out, gin.H{"code": l, "name": name})
	}
	c.JSON(http.StatusOK, gin.H{"languages": out})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	sess, err := s.Assistant.StartSession(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": sess.ID})
}

func (s *Server) handleEndSession(c *gin.Context) {
	if err := s.Assistant.EndSession(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleUpload reads a multipart "file" field and an optional "kind".
func (s *Server) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.MaxUploadBytes+multipartOverhead)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(c, &pkg.UploadTooLargeError{Limit: s.MaxUploadBytes})
			return
		}
		writeErrorBody(c, http.StatusBadRequest, pkg.CodeInvalid, "a multipart field named \"file\" is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer f.Close()

	res, err := s.Assistant.Upload(c.Request.Context(), c.Param("id"), f,
		fh.Filename, fh.Header.Get("Content-Type"), c.PostForm("kind"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, uploadResponse(&res.Record, res.Table))
}

// handleRecord returns the session's current patient record in the same
// shape as an upload, so a reloaded page can restore its preview.
func (s *Server) handleRecord(c *gin.Context) {
	record, err := s.Assistant.Record(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	table, err := loader.TableFromRecord(record)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, uploadResponse(record, table))
}

func uploadResponse(record *pkg.PatientRecord, table *pkg.Table) pkg.UploadResponse {
	resp := pkg.UploadResponse{Kind: record.Kind, Filename: record.Filename}
	if table != nil {
		resp.Header = table.Header
		resp.Rows = table.Rows
	}
	return resp
}

func (s *Server) handleReport(c *gin.Context) {
	var req pkg.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorBody(c, http.StatusBadRequest, pkg.CodeInvalid, "invalid JSON body: "+err.Error())
		return
	}
	report, err := s.Assistant.GenerateReport(c.Request.Context(), c.Param("id"), req.Context, string(req.Language))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pkg.ReportResponse{Report: report})
}

func (s *Server) handleQuestion(c *gin.Context) {
	var req pkg.QuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorBody(c, http.StatusBadRequest, pkg.CodeInvalid, "invalid JSON body: "+err.Error())
		return
	}
	answer, err := s.Assistant.Ask(c.Request.Context(), c.Param("id"), req.Question)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pkg.QuestionResponse{Answer: answer})
}

func (s *Server) handleTranscript(c *gin.Context) {
	id := c.Param("id")
	turns, err := s.Assistant.Transcript(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pkg.TranscriptResponse{SessionID: id, Turns: turns})
}

// handleDownload serves the latest report as a plain-text attachment.
func (s *Server) handleDownload(c *gin.Context) {
	report, err := s.Assistant.Report(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="medical_report.txt"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(report))
}
