package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LJTian/MarketHub/internal/news"
	"github.com/LJTian/MarketHub/internal/source"
)

// ErrIncomplete 缺少标题或链接，单条丢弃，从不中断整轮采集
var ErrIncomplete = errors.New("incomplete item")

const (
	summaryMaxRunes = 600

	alphaTimeLayout = "20060102T150405"
	fmpTimeLayout   = "2006-01-02 15:04:05"
)

// Normalize 把一条原始负载映射为规范化新闻条目，按来源格式分派。
// 这里是纯函数：不发请求、不碰共享状态，指纹在此计算。
func Normalize(raw source.RawItem) (news.Item, error) {
	var (
		it  news.Item
		err error
	)
	switch raw.Format {
	case source.FormatAlphaVantage:
		it, err = fromAlphaVantage(raw)
	case source.FormatMarketAux:
		it, err = fromMarketAux(raw)
	case source.FormatFMP:
		it, err = fromFMP(raw)
	case source.FormatRSS:
		it, err = fromRSS(raw)
	case source.FormatHTML, source.FormatBrowser:
		it, err = fromScraped(raw)
	case source.FormatStream:
		it, err = fromStreamFrame(raw)
	default:
		return news.Item{}, fmt.Errorf("normalize %s: unknown format %q: %w", raw.SourceID, raw.Format, source.ErrParse)
	}
	if err != nil {
		return news.Item{}, err
	}
	return finalize(it, raw)
}

// finalize 公共收尾：校验必填字段、补默认值、截断摘要、计算指纹
func finalize(it news.Item, raw source.RawItem) (news.Item, error) {
	it.Title = strings.TrimSpace(it.Title)
	it.Link = strings.TrimSpace(it.Link)
	if it.Title == "" || it.Link == "" {
		return news.Item{}, fmt.Errorf("normalize %s: missing title or link: %w", raw.SourceID, ErrIncomplete)
	}

	it.SourceID = raw.SourceID
	it.FetchedAt = raw.Received
	if it.PublishedAt.IsZero() {
		it.PublishedAt = raw.Received
	}
	if it.Sentiment == "" {
		it.Sentiment = news.SentimentUnknown
	}
	it.Summary = truncateRunes(strings.TrimSpace(it.Summary), summaryMaxRunes)
	it.Fingerprint = news.NewFingerprint(it.Title, it.Link, it.SourceID)
	return it, nil
}

func decodeErr(raw source.RawItem, err error) error {
	return fmt.Errorf("normalize %s: decode: %w: %v", raw.SourceID, source.ErrParse, err)
}

func fromAlphaVantage(raw source.RawItem) (news.Item, error) {
	var f struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		TimePublished string `json:"time_published"`
		Summary       string `json:"summary"`
		Source        string `json:"source"`
		Topics        []struct {
			Topic string `json:"topic"`
		} `json:"topics"`
		OverallSentimentLabel string `json:"overall_sentiment_label"`
		TickerSentiment       []struct {
			Ticker               string `json:"ticker"`
			TickerSentimentLabel string `json:"ticker_sentiment_label"`
		} `json:"ticker_sentiment"`
	}
	if err := json.Unmarshal(raw.Body, &f); err != nil {
		return news.Item{}, decodeErr(raw, err)
	}

	it := news.Item{
		Title:     f.Title,
		Summary:   f.Summary,
		Link:      f.URL,
		Sentiment: mapSentimentLabel(f.OverallSentimentLabel),
	}
	if t, err := time.Parse(alphaTimeLayout, f.TimePublished); err == nil {
		it.PublishedAt = t
	}
	for _, tp := range f.Topics {
		it.Topics = appendUnique(it.Topics, tp.Topic)
	}
	for _, ts := range f.TickerSentiment {
		it.Symbols = appendUnique(it.Symbols, ts.Ticker)
	}
	if f.Source != "" {
		it.Extra = map[string]any{"publisher": f.Source}
	}
	return it, nil
}

func fromMarketAux(raw source.RawItem) (news.Item, error) {
	var a struct {
		UUID        string `json:"uuid"`
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		PublishedAt string `json:"published_at"`
		Source      string `json:"source"`
		Entities    []struct {
			Symbol         string  `json:"symbol"`
			Industry       string  `json:"industry"`
			SentimentScore float64 `json:"sentiment_score"`
		} `json:"entities"`
	}
	if err := json.Unmarshal(raw.Body, &a); err != nil {
		return news.Item{}, decodeErr(raw, err)
	}

	it := news.Item{
		Title:   a.Title,
		Summary: a.Description,
		Link:    a.URL,
	}
	if t, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
		it.PublishedAt = t
	}

	// 情绪取实体均值，没有实体时保持 unknown
	var scoreSum float64
	for _, e := range a.Entities {
		it.Symbols = appendUnique(it.Symbols, e.Symbol)
		it.Topics = appendUnique(it.Topics, e.Industry)
		scoreSum += e.SentimentScore
	}
	if len(a.Entities) > 0 {
		it.Sentiment = mapSentimentScore(scoreSum / float64(len(a.Entities)))
	}

	extra := map[string]any{}
	if a.UUID != "" {
		extra["uuid"] = a.UUID
	}
	if a.Source != "" {
		extra["publisher"] = a.Source
	}
	if len(extra) > 0 {
		it.Extra = extra
	}
	return it, nil
}

func fromFMP(raw source.RawItem) (news.Item, error) {
	var a struct {
		Title         string `json:"title"`
		Text          string `json:"text"`
		Content       string `json:"content"`
		URL           string `json:"url"`
		Link          string `json:"link"`
		Site          string `json:"site"`
		Symbol        string `json:"symbol"`
		Tickers       string `json:"tickers"`
		PublishedDate string `json:"publishedDate"`
		Date          string `json:"date"`
	}
	if err := json.Unmarshal(raw.Body, &a); err != nil {
		return news.Item{}, decodeErr(raw, err)
	}

	it := news.Item{Title: a.Title}
	// v3 stock_news 用 url/text，v3 articles 用 link/content
	if it.Link = a.URL; it.Link == "" {
		it.Link = a.Link
	}
	if it.Summary = a.Text; it.Summary == "" {
		it.Summary = a.Content
	}

	published := a.PublishedDate
	if published == "" {
		published = a.Date
	}
	if t, err := time.Parse(fmpTimeLayout, published); err == nil {
		it.PublishedAt = t
	}

	if a.Symbol != "" {
		it.Symbols = appendUnique(it.Symbols, a.Symbol)
	}
	// articles 端点的 tickers 是逗号分隔串，可能带交易所前缀，如 NASDAQ:AAPL
	for _, tk := range strings.Split(a.Tickers, ",") {
		tk = strings.TrimSpace(tk)
		if i := strings.LastIndexByte(tk, ':'); i >= 0 {
			tk = tk[i+1:]
		}
		it.Symbols = appendUnique(it.Symbols, tk)
	}
	if a.Site != "" {
		it.Extra = map[string]any{"publisher": a.Site}
	}
	return it, nil
}

func fromRSS(raw source.RawItem) (news.Item, error) {
	var a struct {
		Title      string   `json:"title"`
		Link       string   `json:"link"`
		Summary    string   `json:"summary"`
		Published  string   `json:"published"`
		Categories []string `json:"categories"`
	}
	if err := json.Unmarshal(raw.Body, &a); err != nil {
		return news.Item{}, decodeErr(raw, err)
	}

	it := news.Item{
		Title:   a.Title,
		Summary: a.Summary,
		Link:    a.Link,
	}
	if t, err := time.Parse(time.RFC3339, a.Published); err == nil {
		it.PublishedAt = t
	}
	for _, c := range a.Categories {
		it.Topics = appendUnique(it.Topics, c)
	}
	return it, nil
}

func fromScraped(raw source.RawItem) (news.Item, error) {
	var a struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(raw.Body, &a); err != nil {
		return news.Item{}, decodeErr(raw, err)
	}
	return news.Item{Title: a.Title, Link: a.URL, Summary: a.Summary}, nil
}

func fromStreamFrame(raw source.RawItem) (news.Item, error) {
	var f struct {
		Title       string   `json:"title"`
		URL         string   `json:"url"`
		Summary     string   `json:"summary"`
		Symbols     []string `json:"symbols"`
		Topics      []string `json:"topics"`
		Sentiment   string   `json:"sentiment"`
		PublishedAt string   `json:"published_at"`
	}
	if err := json.Unmarshal(raw.Body, &f); err != nil {
		return news.Item{}, decodeErr(raw, err)
	}

	it := news.Item{
		Title:     f.Title,
		Summary:   f.Summary,
		Link:      f.URL,
		Sentiment: mapSentimentLabel(f.Sentiment),
	}
	if t, err := time.Parse(time.RFC3339, f.PublishedAt); err == nil {
		it.PublishedAt = t
	}
	for _, s := range f.Symbols {
		it.Symbols = appendUnique(it.Symbols, s)
	}
	for _, tp := range f.Topics {
		it.Topics = appendUnique(it.Topics, tp)
	}
	return it, nil
}

// mapSentimentLabel 把源端情绪标签收敛到统一枚举，
// 兼容 AlphaVantage 的 Bullish/Bearish 体系
func mapSentimentLabel(label string) news.Sentiment {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "bullish", "somewhat-bullish", "somewhat_bullish", "positive":
		return news.SentimentPositive
	case "bearish", "somewhat-bearish", "somewhat_bearish", "negative":
		return news.SentimentNegative
	case "neutral":
		return news.SentimentNeutral
	default:
		return news.SentimentUnknown
	}
}

// mapSentimentScore 数值情绪分的映射，|score| <= 0.15 视为中性
func mapSentimentScore(score float64) news.Sentiment {
	switch {
	case score > 0.15:
		return news.SentimentPositive
	case score < -0.15:
		return news.SentimentNegative
	default:
		return news.SentimentNeutral
	}
}

func appendUnique(list []string, v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return list
	}
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}

// truncateRunes 按 rune 截断，避免把多字节字符切成半个
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}
