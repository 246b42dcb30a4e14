package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/LJTian/MarketHub/internal/news"
	"github.com/LJTian/MarketHub/internal/sink"
)

// Record 落库的新闻条目。指纹是唯一键，重复采集到的同一条内容只落一次。
type Record struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	Fingerprint string            `gorm:"size:40;uniqueIndex" json:"fingerprint"`
	Title       string            `gorm:"size:512" json:"title"`
	Summary     string            `gorm:"size:1200" json:"summary"`
	Link        string            `gorm:"size:1024;index" json:"link"`
	SourceID    string            `gorm:"size:64;index" json:"sourceId"`
	Sentiment   string            `gorm:"size:16;index" json:"sentiment"`
	Symbols     datatypes.JSON    `gorm:"type:jsonb" json:"symbols"`
	Topics      datatypes.JSON    `gorm:"type:jsonb" json:"topics"`
	Extra       datatypes.JSONMap `gorm:"type:jsonb" json:"extra"`
	PublishedAt time.Time         `gorm:"index" json:"publishedAt"`
	FetchedAt   time.Time         `json:"fetchedAt"`

	CreatedAt time.Time `json:"createdAt"`
}

func (Record) TableName() string { return "news_items" }

type Store struct {
	DB    *gorm.DB
	Redis *redis.Client
}

func NewStore(dsn, redisAddr string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("warn: redis ping failed: %v", err)
	}

	return &Store{DB: db, Redis: rdb}, nil
}

// toValidUTF8 将字符串规范为合法 UTF-8，避免 PostgreSQL invalid byte sequence 错误
func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// truncateRunesDB 按 rune 数截断，确保不超过数据库字段长度。
// 上游已截过一次，这里是防外部服务返回异常长文本的双保险。
func truncateRunesDB(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}

func marshalList(list []string) datatypes.JSON {
	if len(list) == 0 {
		return nil
	}
	bs, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	return datatypes.JSON(bs)
}

func toRecord(it news.Item) Record {
	return Record{
		Fingerprint: it.Fingerprint,
		Title:       truncateRunesDB(toValidUTF8(it.Title), 512),
		Summary:     truncateRunesDB(toValidUTF8(it.Summary), 600),
		Link:        truncateRunesDB(it.Link, 1024),
		SourceID:    it.SourceID,
		Sentiment:   string(it.Sentiment),
		Symbols:     marshalList(it.Symbols),
		Topics:      marshalList(it.Topics),
		Extra:       datatypes.JSONMap(it.Extra),
		PublishedAt: it.PublishedAt,
		FetchedAt:   it.FetchedAt,
	}
}

// Upsert 按指纹幂等写入。指纹已存在时什么都不改：同一条内容
// 被不同轮次、不同来源路径再次采到，不应覆盖首次落库的数据。
func (s *Store) Upsert(ctx context.Context, it news.Item) error {
	rec := toRecord(it)
	err := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoNothing: true,
		}).
		Create(&rec).Error
	return wrapStoreErr(err)
}

// wrapStoreErr 把连接类故障归一为 sink.ErrUnavailable，交给写入网关重试；
// 其余错误原样返回，条目会被丢弃
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	var nerr net.Error
	if errors.As(err, &nerr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", sink.ErrUnavailable, err)
	}
	return err
}

// Filter 查询条件，零值字段不参与过滤
type Filter struct {
	Symbol    string
	Sentiment string
	DateFrom  time.Time
	DateTo    time.Time
	Limit     int
}

// Find 按条件返回新闻列表，published_at 倒序，并使用 Redis 做简单缓存
func (s *Store) Find(ctx context.Context, f Filter) ([]Record, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 20
	}

	cacheKey := fmt.Sprintf("news:find:%s:%s:%d:%d:%d",
		f.Symbol, f.Sentiment, f.DateFrom.Unix(), f.DateTo.Unix(), f.Limit)

	if s.Redis != nil {
		if bs, err := s.Redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var cached []Record
			if err := json.Unmarshal(bs, &cached); err == nil {
				return cached, nil
			}
		}
	}

	var list []Record
	db := s.DB.WithContext(ctx).Model(&Record{})
	if f.Symbol != "" {
		db = db.Where(datatypes.JSONArrayQuery("symbols").Contains(f.Symbol))
	}
	if f.Sentiment != "" {
		db = db.Where("sentiment = ?", f.Sentiment)
	}
	if !f.DateFrom.IsZero() {
		db = db.Where("published_at >= ?", f.DateFrom)
	}
	if !f.DateTo.IsZero() {
		db = db.Where("published_at <= ?", f.DateTo)
	}
	if err := db.Order("published_at DESC").Limit(f.Limit).Find(&list).Error; err != nil {
		return nil, err
	}

	// 回写缓存（5 分钟，减轻列表页轮询的 DB 压力）
	const listCacheTTL = 5 * time.Minute
	if s.Redis != nil && len(list) > 0 {
		if bs, err := json.Marshal(list); err == nil {
			_ = s.Redis.Set(ctx, cacheKey, bs, listCacheTTL).Err()
		}
	}

	return list, nil
}
