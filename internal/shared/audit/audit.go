// Package audit 领域事件审计落盘
//
// 把总线上的所有领域事件追加写入 MongoDB，供排障和对账回放。
// 审计是旁路能力，写入失败只记日志，绝不影响业务流程。
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"proxy-market/internal/shared/eventbus"
)

// Collection 名称常量
const ColDomainEvents = "domain_events"

// record 落盘的事件记录
type record struct {
	EventType   string    `bson:"event_type"`
	AggregateID string    `bson:"aggregate_id"`
	Payload     bson.M    `bson:"payload"`
	RecordedAt  time.Time `bson:"recorded_at"`
}

// Trail MongoDB 审计落盘器
type Trail struct {
	client *mongo.Client
	col    *mongo.Collection
}

// NewTrail 创建审计落盘器
//
// uri: MongoDB 连接 URI，如 "mongodb://localhost:27017"
// dbName: 数据库名称，如 "proxy_market"
func NewTrail(uri, dbName string) (*Trail, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("audit: connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("audit: ping failed: %w", err)
	}

	col := client.Database(dbName).Collection(ColDomainEvents)
	t := &Trail{client: client, col: col}

	if err := t.ensureIndexes(ctx); err != nil {
		log.Printf("WARNING: audit: ensure indexes failed: %v", err)
	}
	return t, nil
}

// Close 关闭 MongoDB 连接
func (t *Trail) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.client.Disconnect(ctx)
}

func (t *Trail) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "aggregate_id", Value: 1}, {Key: "recorded_at", Value: 1}}},
		{Keys: bson.D{{Key: "event_type", Value: 1}}},
	}
	_, err := t.col.Indexes().CreateMany(ctx, models)
	return err
}

// Record 落盘一条领域事件
func (t *Trail) Record(ctx context.Context, event eventbus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	var payload bson.M
	if err := bson.UnmarshalExtJSON(data, false, &payload); err != nil {
		// 个别事件转 BSON 失败就退化为原样字符串
		payload = bson.M{"raw": string(data)}
	}

	_, err = t.col.InsertOne(ctx, record{
		EventType:   event.EventType(),
		AggregateID: event.AggregateID(),
		Payload:     payload,
		RecordedAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Observer 返回可挂到事件总线上的旁路观察者
func (t *Trail) Observer() eventbus.Observer {
	return func(ctx context.Context, event eventbus.Event) {
		if err := t.Record(ctx, event); err != nil {
			log.Printf("[audit] record %s failed: %v", event.EventType(), err)
		}
	}
}
