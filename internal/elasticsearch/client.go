package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"uptime/internal/config"
	"uptime/internal/logger"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"
)

// CheckDocument 一次检查结果对应的 ES 文档
type CheckDocument struct {
	MonitorID    uint       `json:"monitor_id"`
	MonitorName  string     `json:"monitor_name"`
	Type         string     `json:"type"`
	Target       string     `json:"target"`
	Status       string     `json:"status"`        // up, down, warning
	ResponseTime int64      `json:"response_time"` // milliseconds
	StatusCode   int        `json:"status_code,omitempty"`
	Message      string     `json:"message,omitempty"`
	CertNotAfter *time.Time `json:"cert_not_after,omitempty"`
	Timestamp    time.Time  `json:"@timestamp"`
}

type Client struct {
	es     *elasticsearch.Client
	config config.ElasticsearchConfig
}

// NewClient returns nil when Elasticsearch is disabled.
func NewClient(cfg config.ElasticsearchConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	// 测试连接
	res, err := es.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.String())
	}

	logger.Info("Elasticsearch client initialized", zap.Strings("addresses", cfg.Addresses))

	return &Client{es: es, config: cfg}, nil
}

// indexFor 按日期滚动索引
func (c *Client) indexFor(t time.Time) string {
	return fmt.Sprintf("%s-%s", c.config.IndexPrefix, t.UTC().Format("2006.01.02"))
}

func (c *Client) indexPattern() string {
	return c.config.IndexPrefix + "-*"
}

// IndexCheck 索引一条检查记录
func (c *Client) IndexCheck(ctx context.Context, doc *CheckDocument) error {
	if c == nil || c.es == nil {
		return nil
	}
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal check document: %w", err)
	}

	index := c.indexFor(doc.Timestamp)
	req := esapi.IndexRequest{
		Index: index,
		Body:  bytes.NewReader(body),
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("failed to index check: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch indexing error: %s", res.String())
	}

	logger.Debug("Check indexed to ES",
		zap.String("index", index),
		zap.Uint("monitor_id", doc.MonitorID),
		zap.String("status", doc.Status),
	)
	return nil
}

type SearchQuery struct {
	MonitorID *uint      `json:"monitor_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Size      int        `json:"size,omitempty"`
	From      int        `json:"from,omitempty"`
	QueryText string     `json:"query_text,omitempty"`
}

type SearchResult struct {
	Total int64           `json:"total"`
	Hits  []CheckDocument `json:"hits"`
}

// buildSearchBody 构建查询 DSL
func buildSearchBody(query *SearchQuery) map[string]interface{} {
	must := []map[string]interface{}{}

	if query.MonitorID != nil {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"monitor_id": *query.MonitorID},
		})
	}
	if query.Status != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"status": query.Status},
		})
	}
	if query.StartTime != nil || query.EndTime != nil {
		rangeQuery := map[string]interface{}{}
		if query.StartTime != nil {
			rangeQuery["gte"] = query.StartTime.Format(time.RFC3339)
		}
		if query.EndTime != nil {
			rangeQuery["lte"] = query.EndTime.Format(time.RFC3339)
		}
		must = append(must, map[string]interface{}{
			"range": map[string]interface{}{"@timestamp": rangeQuery},
		})
	}
	if query.QueryText != "" {
		must = append(must, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query.QueryText,
				"fields": []string{"message", "monitor_name", "target"},
			},
		})
	}

	size := query.Size
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100 // 最大 100 条
	}

	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
		"size": size,
		"from": query.From,
		"sort": []map[string]interface{}{
			{"@timestamp": map[string]interface{}{"order": "desc"}},
		},
	}
}

func (c *Client) SearchChecks(ctx context.Context, query *SearchQuery) (*SearchResult, error) {
	if c == nil || c.es == nil {
		return &SearchResult{Hits: []CheckDocument{}}, nil
	}

	body, err := json.Marshal(buildSearchBody(query))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search query: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{c.indexPattern()},
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("failed to search checks: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch search error: %s", res.String())
	}

	var response struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source CheckDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	result := &SearchResult{
		Total: response.Hits.Total.Value,
		Hits:  make([]CheckDocument, 0, len(response.Hits.Hits)),
	}
	for _, hit := range response.Hits.Hits {
		result.Hits = append(result.Hits, hit.Source)
	}
	return result, nil
}

// CheckStats 单个监控在时间窗口内的聚合
type CheckStats struct {
	Total           int64            `json:"total"`
	ByStatus        map[string]int64 `json:"by_status"`
	AvgResponseTime float64          `json:"avg_response_time"`
}

func (c *Client) Stats(ctx context.Context, monitorID uint, start, end time.Time) (*CheckStats, error) {
	if c == nil || c.es == nil {
		return &CheckStats{ByStatus: map[string]int64{}}, nil
	}

	query := map[string]interface{}{
		"size": 0,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []map[string]interface{}{
					{"term": map[string]interface{}{"monitor_id": monitorID}},
					{"range": map[string]interface{}{
						"@timestamp": map[string]interface{}{
							"gte": start.Format(time.RFC3339),
							"lte": end.Format(time.RFC3339),
						},
					}},
				},
			},
		},
		"aggs": map[string]interface{}{
			"status_count":      map[string]interface{}{"terms": map[string]interface{}{"field": "status"}},
			"avg_response_time": map[string]interface{}{"avg": map[string]interface{}{"field": "response_time"}},
		},
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stats query: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{c.indexPattern()},
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("failed to get check stats: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch stats error: %s", res.String())
	}

	var response struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
		} `json:"hits"`
		Aggregations struct {
			StatusCount struct {
				Buckets []struct {
					Key      string `json:"key"`
					DocCount int64  `json:"doc_count"`
				} `json:"buckets"`
			} `json:"status_count"`
			AvgResponseTime struct {
				Value *float64 `json:"value"`
			} `json:"avg_response_time"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to parse stats response: %w", err)
	}

	stats := &CheckStats{
		Total:    response.Hits.Total.Value,
		ByStatus: make(map[string]int64, len(response.Aggregations.StatusCount.Buckets)),
	}
	for _, b := range response.Aggregations.StatusCount.Buckets {
		stats.ByStatus[b.Key] = b.DocCount
	}
	if v := response.Aggregations.AvgResponseTime.Value; v != nil {
		stats.AvgResponseTime = *v
	}
	return stats, nil
}

// CreateIndexTemplate 创建索引模板
func (c *Client) CreateIndexTemplate(ctx context.Context) error {
	if c == nil || c.es == nil {
		return nil
	}

	templateName := c.config.IndexPrefix + "-template"
	template := map[string]interface{}{
		"index_patterns": []string{c.indexPattern()},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"number_of_shards":   1,
				"number_of_replicas": 1,
				"refresh_interval":   "5s",
			},
			"mappings": map[string]interface{}{
				"properties": map[string]interface{}{
					"monitor_id":     map[string]string{"type": "long"},
					"monitor_name":   map[string]string{"type": "keyword"},
					"type":           map[string]string{"type": "keyword"},
					"target":         map[string]string{"type": "keyword"},
					"status":         map[string]string{"type": "keyword"},
					"response_time":  map[string]string{"type": "long"},
					"status_code":    map[string]string{"type": "integer"},
					"message":        map[string]string{"type": "text"},
					"cert_not_after": map[string]string{"type": "date"},
					"@timestamp":     map[string]string{"type": "date"},
				},
			},
		},
	}

	body, err := json.Marshal(template)
	if err != nil {
		return fmt.Errorf("failed to marshal index template: %w", err)
	}

	req := esapi.IndicesPutIndexTemplateRequest{
		Name: templateName,
		Body: bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		logger.Warn("Failed to create index template", zap.String("response", res.String()))
		return nil
	}
	logger.Info("Index template created", zap.String("template", templateName))
	return nil
}
