package mongostore

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connect 连接 MongoDB（变更流与事务要求副本集部署）
func Connect(uri string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	// 测试连接
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return client.Database(databaseName(uri)), nil
}

// databaseName 从 URI 路径提取数据库名，默认为 "imsync"
func databaseName(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "?"); i >= 0 {
		rest = rest[:i]
	}
	i := strings.Index(rest, "/")
	if i < 0 || i == len(rest)-1 {
		return "imsync"
	}
	return rest[i+1:]
}
