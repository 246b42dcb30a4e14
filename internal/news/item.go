package news

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

// Sentiment 归一化后的情绪标签
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentUnknown  Sentiment = "unknown"
)

// Item 归一化后的统一新闻结构，构造完成后不可变。
// ID 在入库时由存储层分配，入库前为 0。
type Item struct {
	ID          uint
	Title       string
	Summary     string
	Link        string
	Symbols     []string
	Topics      []string
	Sentiment   Sentiment
	PublishedAt time.Time
	FetchedAt   time.Time
	SourceID    string
	Fingerprint string
	// 源端附加字段，例如原始发布方、情绪明细
	Extra map[string]any
}

// NewFingerprint 以(标题, 链接, 来源)生成内容指纹，作为全流程的去重键。
// 标题做小写与空白折叠，避免同一篇文章因排版差异产生不同指纹。
func NewFingerprint(title, link, sourceID string) string {
	h := sha1.New()
	h.Write([]byte(foldTitle(title)))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.TrimSpace(link)))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.TrimSpace(sourceID)))
	return hex.EncodeToString(h.Sum(nil))
}

func foldTitle(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
