package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"marketlens/internal/api/middleware"
	"marketlens/internal/config"
	"marketlens/internal/engine"
	"marketlens/internal/model"
	"marketlens/internal/pkg/metrics"
	"marketlens/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装查询服务的依赖与路由。
//
// 它只读：指标与标记由引擎批处理写入，这里仅对外暴露查询面。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	rdb    *redis.Client
	router *gin.Engine
	reader MetricsReader
}

// MetricsReader 是查询面的只读存取接口。
type MetricsReader interface {
	ListKeywords(ctx context.Context) ([]model.Keyword, error)
	MetricsForKeyword(ctx context.Context, keywordID uint, from, to time.Time) ([]model.DailyMetric, error)
	FlagsForKeyword(ctx context.Context, keywordID uint, from, to time.Time) ([]model.OpportunityFlag, error)
	FlagsForDate(ctx context.Context, date time.Time, minScore int) ([]model.OpportunityFlag, error)
}

type dbMetricsReader struct {
	db *gorm.DB
}

func (r dbMetricsReader) ListKeywords(ctx context.Context) ([]model.Keyword, error) {
	var keywords []model.Keyword
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&keywords).Error; err != nil {
		return nil, err
	}
	return keywords, nil
}

func (r dbMetricsReader) MetricsForKeyword(ctx context.Context, keywordID uint, from, to time.Time) ([]model.DailyMetric, error) {
	var rows []model.DailyMetric
	if err := r.db.WithContext(ctx).
		Where("keyword_id = ? AND date >= ? AND date <= ?", keywordID, from, to).
		Order("date ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r dbMetricsReader) FlagsForKeyword(ctx context.Context, keywordID uint, from, to time.Time) ([]model.OpportunityFlag, error) {
	var rows []model.OpportunityFlag
	if err := r.db.WithContext(ctx).
		Where("keyword_id = ? AND date >= ? AND date <= ?", keywordID, from, to).
		Order("date ASC, category ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r dbMetricsReader) FlagsForDate(ctx context.Context, date time.Time, minScore int) ([]model.OpportunityFlag, error) {
	var rows []model.OpportunityFlag
	if err := r.db.WithContext(ctx).
		Where("date = ? AND score >= ?", date, minScore).
		Order("score DESC, keyword_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// NewServer 初始化查询服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 初始化 Gin 路由引擎
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, err
	}
	if err := store.AutoMigrate(db); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	metrics.InitMetrics(cfg.Engine.WorkerPoolSize)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
		rdb:    rdb,
		router: r,
		reader: dbMetricsReader{db: db},
	}
	s.registerRoutes()
	return s, nil
}

// NewServerWithReader 用外部依赖组装服务器，主要给测试用。
func NewServerWithReader(cfg *config.Config, logger *slog.Logger, reader MetricsReader) *Server {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: r,
		reader: reader,
	}
	s.registerRoutes()
	return s
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)

	authed := s.router.Group("/api")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.GET("/keywords", s.handleListKeywords)
	authed.GET("/keywords/:id/metrics", s.handleKeywordMetrics)
	authed.GET("/keywords/:id/flags", s.handleKeywordFlags)
	authed.GET("/flags", s.handleFlagsForDate)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type keywordResponse struct {
	ID          uint   `json:"id"`
	Text        string `json:"text"`
	Marketplace string `json:"marketplace"`
	Active      bool   `json:"active"`
}

// metricResponse 把落库的日指标转为查询面形状。可空指标保持
// null，ASIN 列表从存储 JSON 还原为数组。
type metricResponse struct {
	KeywordID uint   `json:"keyword_id"`
	Date      string `json:"date"`
	Status    string `json:"status"`

	MedianPrice     *float64 `json:"median_price"`
	MinPrice        *float64 `json:"min_price"`
	MaxPrice        *float64 `json:"max_price"`
	VisibilityShare *float64 `json:"visibility_share"`
	SponsoredRatio  *float64 `json:"sponsored_ratio"`
	OrganicRatio    *float64 `json:"organic_ratio"`
	AvgRating       *float64 `json:"avg_rating"`
	AvgReviewCount  *float64 `json:"avg_review_count"`

	ObservationCount  int `json:"observation_count"`
	IngestionGaps     int `json:"ingestion_gaps"`
	IdentityConflicts int `json:"identity_conflicts"`

	MedianPriceDelta    *float64 `json:"median_price_delta"`
	SponsoredRatioDelta *float64 `json:"sponsored_ratio_delta"`
	LowConfidence       bool     `json:"low_confidence"`

	TopASINs     []string `json:"top_asins"`
	EntrantASINs []string `json:"entrant_asins"`
	ExitASINs    []string `json:"exit_asins"`
}

type flagResponse struct {
	KeywordID uint   `json:"keyword_id"`
	Date      string `json:"date"`
	Category  string `json:"category"`
	Score     int    `json:"score"`
	Summary   string `json:"summary"`
}

func (s *Server) handleListKeywords(c *gin.Context) {
	keywords, err := s.reader.ListKeywords(c.Request.Context())
	if err != nil {
		s.logger.Error("list keywords failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list keywords failed"})
		return
	}

	resp := make([]keywordResponse, 0, len(keywords))
	for _, kw := range keywords {
		resp = append(resp, keywordResponse{
			ID:          kw.ID,
			Text:        kw.Text,
			Marketplace: kw.Marketplace,
			Active:      kw.Active,
		})
	}
	c.JSON(http.StatusOK, gin.H{"keywords": resp})
}

func (s *Server) handleKeywordMetrics(c *gin.Context) {
	keywordID, ok := parseKeywordID(c)
	if !ok {
		return
	}
	from, to, ok := parseDateRange(c)
	if !ok {
		return
	}

	rows, err := s.reader.MetricsForKeyword(c.Request.Context(), keywordID, from, to)
	if err != nil {
		s.logger.Error("load metrics failed",
			slog.Uint64("keyword_id", uint64(keywordID)),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load metrics failed"})
		return
	}

	resp := make([]metricResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, toMetricResponse(row))
	}
	c.JSON(http.StatusOK, gin.H{"metrics": resp})
}

func (s *Server) handleKeywordFlags(c *gin.Context) {
	keywordID, ok := parseKeywordID(c)
	if !ok {
		return
	}
	from, to, ok := parseDateRange(c)
	if !ok {
		return
	}

	rows, err := s.reader.FlagsForKeyword(c.Request.Context(), keywordID, from, to)
	if err != nil {
		s.logger.Error("load flags failed",
			slog.Uint64("keyword_id", uint64(keywordID)),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load flags failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flags": toFlagResponses(rows)})
}

func (s *Server) handleFlagsForDate(c *gin.Context) {
	dateStr := c.Query("date")
	if dateStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing date"})
		return
	}
	date, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date"})
		return
	}

	minScore := 0
	if v := c.Query("min_score"); v != "" {
		minScore, err = strconv.Atoi(v)
		if err != nil || minScore < 0 || minScore > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_score"})
			return
		}
	}

	rows, err := s.reader.FlagsForDate(c.Request.Context(), date, minScore)
	if err != nil {
		s.logger.Error("load flags failed",
			slog.String("date", dateStr),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load flags failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flags": toFlagResponses(rows)})
}

func parseKeywordID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid keyword id"})
		return 0, false
	}
	return uint(id), true
}

// parseDateRange 解析 from/to 查询参数，缺省为最近 30 天。
func parseDateRange(c *gin.Context) (time.Time, time.Time, bool) {
	to := engine.DayStart(time.Now())
	from := to.AddDate(0, 0, -30)

	var err error
	if v := c.Query("from"); v != "" {
		from, err = time.ParseInLocation("2006-01-02", v, time.UTC)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from date"})
			return time.Time{}, time.Time{}, false
		}
	}
	if v := c.Query("to"); v != "" {
		to, err = time.ParseInLocation("2006-01-02", v, time.UTC)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to date"})
			return time.Time{}, time.Time{}, false
		}
	}
	if to.Before(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to before from"})
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func toMetricResponse(row model.DailyMetric) metricResponse {
	return metricResponse{
		KeywordID: row.KeywordID,
		Date:      row.Date.Format("2006-01-02"),
		Status:    row.Status,

		MedianPrice:     row.MedianPrice,
		MinPrice:        row.MinPrice,
		MaxPrice:        row.MaxPrice,
		VisibilityShare: row.VisibilityShare,
		SponsoredRatio:  row.SponsoredRatio,
		OrganicRatio:    row.OrganicRatio,
		AvgRating:       row.AvgRating,
		AvgReviewCount:  row.AvgReviewCount,

		ObservationCount:  row.ObservationCount,
		IngestionGaps:     row.IngestionGaps,
		IdentityConflicts: row.IdentityConflicts,

		MedianPriceDelta:    row.MedianPriceDelta,
		SponsoredRatioDelta: row.SponsoredRatioDelta,
		LowConfidence:       row.LowConfidence,

		TopASINs:     decodeASINs(row.TopASINs),
		EntrantASINs: decodeASINs(row.EntrantASINs),
		ExitASINs:    decodeASINs(row.ExitASINs),
	}
}

func toFlagResponses(rows []model.OpportunityFlag) []flagResponse {
	resp := make([]flagResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, flagResponse{
			KeywordID: row.KeywordID,
			Date:      row.Date.Format("2006-01-02"),
			Category:  row.Category,
			Score:     row.Score,
			Summary:   row.Summary,
		})
	}
	return resp
}

func decodeASINs(raw string) []string {
	asins := []string{}
	if raw == "" {
		return asins
	}
	if err := json.Unmarshal([]byte(raw), &asins); err != nil {
		return []string{}
	}
	return asins
}
