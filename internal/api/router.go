package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/MarketHub/internal/metrics"
	"github.com/LJTian/MarketHub/internal/schedule"
	"github.com/LJTian/MarketHub/internal/storage"
)

// Finder 查询已落库的新闻，生产环境是 storage.Store
type Finder interface {
	Find(ctx context.Context, f storage.Filter) ([]storage.Record, error)
}

// StatusReporter 汇报各数据源的运行状态
type StatusReporter interface {
	Statuses() []schedule.SourceStatus
}

type Server struct {
	store   Finder
	emitter *metrics.Emitter
	sched   StatusReporter
}

func NewServer(store Finder, em *metrics.Emitter, sched StatusReporter) *Server {
	return &Server{store: store, emitter: em, sched: sched}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/news", s.listNews)
		v1.GET("/metrics", s.showMetrics)
		v1.GET("/sources", s.listSources)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

const dateLayout = "2006-01-02"

// listNews 按标的、情绪与日期范围查询新闻
// symbol: 股票代码，可为空
// sentiment: positive / negative / neutral / unknown
// date_from / date_to: 2006-01-02，date_to 含当天
func (s *Server) listNews(c *gin.Context) {
	f := storage.Filter{
		Symbol: c.Query("symbol"),
	}

	switch sent := c.Query("sentiment"); sent {
	case "", "positive", "negative", "neutral", "unknown":
		f.Sentiment = sent
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "bad_request",
			"message": "unknown sentiment: " + sent,
		})
		return
	}

	if from := c.Query("date_from"); from != "" {
		t, err := time.Parse(dateLayout, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "bad_request",
				"message": "date_from must be " + dateLayout,
			})
			return
		}
		f.DateFrom = t
	}
	if to := c.Query("date_to"); to != "" {
		t, err := time.Parse(dateLayout, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "bad_request",
				"message": "date_to must be " + dateLayout,
			})
			return
		}
		// 含当天的全部数据
		f.DateTo = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}

	limitStr := c.DefaultQuery("limit", "20")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		limit = 20
	}
	f.Limit = limit

	items, err := s.store.Find(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "internal_error",
			"message": "internal server error",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    items,
	})
}

func (s *Server) showMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    s.emitter.Snapshot(),
	})
}

func (s *Server) listSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    s.sched.Statuses(),
	})
}
