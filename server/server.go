// Package server exposes the orchestrator over HTTP.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ineyio/stockify"
	"github.com/ineyio/stockify/export"
	"github.com/ineyio/stockify/imagesource"
)

// Server holds the HTTP handlers.
type Server struct {
	orch     *stockify.Orchestrator
	ledger   stockify.QuotaLedger
	loader   *imagesource.Loader
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures Server.
type Option func(*Server)

// WithQuotaLedger exposes remaining quota from l on /v1/quota/:model.
func WithQuotaLedger(l stockify.QuotaLedger) Option {
	return func(s *Server) { s.ledger = l }
}

// WithLoader sets the loader used to validate uploads.
func WithLoader(l *imagesource.Loader) Option {
	return func(s *Server) { s.loader = l }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server for orch.
func New(orch *stockify.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:     orch,
		loader:   imagesource.NewLoader(),
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	v1.POST("/batches", s.submitBatch)
	v1.GET("/batches/:id", s.getBatch)
	v1.DELETE("/batches/:id", s.cancelBatch)
	v1.GET("/batches/:id/export.csv", s.exportBatch)
	v1.GET("/quota/:model", s.getQuota)

	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// submitBatch accepts a multipart form with a "model" field and one or more
// "images" files.
func (s *Server) submitBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected multipart form"})
		return
	}

	files := form.File["images"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no images uploaded"})
		return
	}

	images := make([]stockify.Image, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("open %s: %v", fh.Filename, err)})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("read %s: %v", fh.Filename, err)})
			return
		}

		img, err := s.loader.Load(fh.Filename, data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		images = append(images, img)
	}

	job, err := s.orch.Submit(c.Request.Context(), images, c.PostForm("model"))
	if err != nil {
		switch {
		case errors.Is(err, stockify.ErrUnknownModel), errors.Is(err, stockify.ErrEmptyBatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	s.logger.Info("batch submitted", "job", job.ID, "model", job.Model, "images", len(job.Tasks))
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID,
		"model":  job.Model,
		"total":  len(job.Tasks),
	})
}

func (s *Server) getBatch(c *gin.Context) {
	res, err := s.orch.Status(c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, toResultView(res))
}

func (s *Server) cancelBatch(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.Cancel(id); err != nil {
		s.notFoundOr500(c, err)
		return
	}
	s.logger.Info("batch cancelled", "job", id)
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": "cancelled"})
}

func (s *Server) exportBatch(c *gin.Context) {
	res, err := s.orch.Status(c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	if !res.Done() {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "batch is still running",
			"pending":  res.Pending,
			"inflight": res.InFlight,
		})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, res.JobID))
	c.Header("Content-Type", "text/csv")
	c.Status(http.StatusOK)
	if err := export.WriteCSV(c.Writer, res); err != nil {
		s.logger.Error("csv export failed", "job", res.JobID, "error", err)
	}
}

func (s *Server) getQuota(c *gin.Context) {
	if s.ledger == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "quota ledger not exposed"})
		return
	}

	model := c.Param("model")
	remaining, err := s.ledger.Remaining(c.Request.Context(), model)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model":     model,
		"remaining": remaining,
		"unlimited": remaining == stockify.UnlimitedQuota,
	})
}

func (s *Server) notFoundOr500(c *gin.Context, err error) {
	if errors.Is(err, stockify.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
