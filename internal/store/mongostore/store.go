package mongostore

import (
	"context"
	"errors"
	"time"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/domain/entities"
	"go-imsync/internal/domain/errs"
	"go-imsync/internal/infrastructure/realtime"
	"go-imsync/internal/models"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store 基于 MongoDB 的文档存储：
// - conversations / messages 两个集合，messages 以 conversationId 归属会话
// - 实时订阅基于变更流：任一相关变更触发重新查询，推送完整结果（头部窗口截断）
// - 写消息与更新会话计数器在同一事务内完成
// - (conversationId, pendingId) 部分唯一索引保证同一次发送只落一条
type Store struct {
	DB  *mongo.Database
	log zerolog.Logger
}

func New(db *mongo.Database, log zerolog.Logger) *Store {
	s := &Store{DB: db, log: log}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.messages().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("conv_created"),
		},
		{
			Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "pendingId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_conv_pending").
				SetPartialFilterExpression(bson.D{{Key: "pendingId", Value: bson.D{{Key: "$type", Value: "string"}}}}),
		},
	})
	_, _ = s.conversations().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "lastMessageAt", Value: -1}},
		Options: options.Index().SetName("participants_last"),
	})
	return s
}

func (s *Store) conversations() *mongo.Collection { return s.DB.Collection("conversations") }
func (s *Store) messages() *mongo.Collection      { return s.DB.Collection("messages") }

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var d conversationDoc
	err := s.conversations().FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.NotFound("conversation %s", id)
	}
	if err != nil {
		return nil, errs.Transient("conversation.get", err)
	}
	return d.model(), nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "lastMessageAt", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.conversations().Find(ctx, bson.D{{Key: "participants", Value: userID}}, opts)
	if err != nil {
		return nil, errs.Transient("conversation.list", err)
	}
	defer cur.Close(ctx)
	var out []*models.Conversation
	for cur.Next(ctx) {
		var d conversationDoc
		if err := cur.Decode(&d); err != nil {
			return nil, errs.Transient("conversation.decode", err)
		}
		out = append(out, d.model())
	}
	if err := cur.Err(); err != nil {
		return nil, errs.Transient("conversation.list", err)
	}
	return out, nil
}

func (s *Store) SubscribeConversations(ctx context.Context, userID string) (ports.Subscription[[]*models.Conversation], error) {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: "fullDocument.participants", Value: userID}}}}}
	return watch(ctx, s, s.conversations(), pipeline, func(ctx context.Context) ([]*models.Conversation, error) {
		return s.ListConversations(ctx, userID)
	})
}

func (s *Store) GetMessage(ctx context.Context, convID, msgID string) (*models.Message, error) {
	var d messageDoc
	err := s.messages().FindOne(ctx, bson.D{{Key: "_id", Value: msgID}, {Key: "conversationId", Value: convID}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.NotFound("message %s/%s", convID, msgID)
	}
	if err != nil {
		return nil, errs.Transient("message.get", err)
	}
	return d.model(), nil
}

// QueryMessages 倒序分页；游标条件 createdAt < c 或 (createdAt = c 且 _id < id)
func (s *Store) QueryMessages(ctx context.Context, q ports.MessagePage) ([]*models.Message, error) {
	filter := bson.D{{Key: "conversationId", Value: q.ConversationID}}
	if q.Before != nil {
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "createdAt", Value: bson.D{{Key: "$lt", Value: q.Before.CreatedAt}}}},
			bson.D{{Key: "createdAt", Value: q.Before.CreatedAt}, {Key: "_id", Value: bson.D{{Key: "$lt", Value: q.Before.ID}}}},
		}})
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.Transient("message.query", err)
	}
	defer cur.Close(ctx)
	out := make([]*models.Message, 0, q.Limit)
	for cur.Next(ctx) {
		var d messageDoc
		if err := cur.Decode(&d); err != nil {
			return nil, errs.Transient("message.decode", err)
		}
		out = append(out, d.model())
	}
	if err := cur.Err(); err != nil {
		return nil, errs.Transient("message.query", err)
	}
	return out, nil
}

func (s *Store) SubscribeMessages(ctx context.Context, convID string, limit int) (ports.Subscription[[]*models.Message], error) {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: "fullDocument.conversationId", Value: convID}}}}}
	return watch(ctx, s, s.messages(), pipeline, func(ctx context.Context) ([]*models.Message, error) {
		return s.QueryMessages(ctx, ports.MessagePage{ConversationID: convID, Limit: limit})
	})
}

// watch 打开变更流；首包为当前结果，之后每个变更事件重新查询一次
func watch[T any](ctx context.Context, s *Store, coll *mongo.Collection, pipeline mongo.Pipeline, query func(context.Context) (T, error)) (ports.Subscription[T], error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, errs.Transient("watch", err)
	}
	wctx, cancel := context.WithCancel(ctx)
	st := realtime.NewStream[T](4, cancel)

	go func() {
		defer cs.Close(context.Background())
		if docs, err := query(wctx); err != nil {
			st.Fail(err)
		} else {
			st.Publish(docs)
		}
		for cs.Next(wctx) {
			docs, err := query(wctx)
			if err != nil {
				if wctx.Err() != nil {
					return
				}
				st.Fail(err)
				continue
			}
			st.Publish(docs)
		}
		if err := cs.Err(); err != nil && wctx.Err() == nil {
			s.log.Warn().Err(err).Str("collection", coll.Name()).Msg("change stream ended")
			st.Fail(errs.Transient("watch", err))
		}
	}()
	return st, nil
}

func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	doc := toConversationDoc(conv)
	_, err := s.conversations().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: conv.ID}},
		bson.D{{Key: "$setOnInsert", Value: doc}},
		options.Update().SetUpsert(true))
	if err != nil {
		return nil, errs.Transient("conversation.create", err)
	}
	return s.GetConversation(ctx, conv.ID)
}

// InsertMessage 事务：写消息 + 更新 latestMessage/lastMessageAt/unreadCounts
func (s *Store) InsertMessage(ctx context.Context, m *models.Message) error {
	m = entities.EnsureSenderRead(m)
	sess, err := s.DB.Client().StartSession()
	if err != nil {
		return errs.Transient("message.insert", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var cd conversationDoc
		if err := s.conversations().FindOne(sc, bson.D{{Key: "_id", Value: m.ConversationID}}).Decode(&cd); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, errs.NotFound("conversation %s", m.ConversationID)
			}
			return nil, err
		}
		if m.PendingID != "" {
			n, err := s.messages().CountDocuments(sc, bson.D{{Key: "conversationId", Value: m.ConversationID}, {Key: "pendingId", Value: m.PendingID}})
			if err != nil {
				return nil, err
			}
			if n > 0 {
				// 同一关联 ID 已落库
				return nil, nil
			}
		}
		if _, err := s.messages().InsertOne(sc, toMessageDoc(m)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, nil
			}
			return nil, err
		}
		delta := entities.DeltaFor(cd.model(), m)
		if delta.Latest == nil {
			return nil, nil
		}
		set := bson.D{
			{Key: "latestMessage", Value: toConversationDoc(&models.Conversation{LatestMessage: delta.Latest}).LatestMessage},
			{Key: "lastMessageAt", Value: *delta.LastMessageAt},
		}
		update := bson.D{{Key: "$set", Value: set}}
		if len(delta.IncUnread) > 0 {
			inc := bson.D{}
			for _, p := range delta.IncUnread {
				inc = append(inc, bson.E{Key: "unreadCounts." + p, Value: 1})
			}
			update = append(update, bson.E{Key: "$inc", Value: inc})
		}
		_, err := s.conversations().UpdateOne(sc, bson.D{{Key: "_id", Value: m.ConversationID}}, update)
		return nil, err
	})
	if err != nil {
		return errs.Transient("message.insert", err)
	}
	return nil
}

// MarkRead 事务：readBy 追加 + 未读归零
func (s *Store) MarkRead(ctx context.Context, convID, userID string, msgIDs []string) error {
	sess, err := s.DB.Client().StartSession()
	if err != nil {
		return errs.Transient("message.markRead", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if len(msgIDs) > 0 {
			_, err := s.messages().UpdateMany(sc,
				bson.D{{Key: "conversationId", Value: convID}, {Key: "_id", Value: bson.D{{Key: "$in", Value: msgIDs}}}},
				bson.D{{Key: "$addToSet", Value: bson.D{{Key: "readBy", Value: userID}}}})
			if err != nil {
				return nil, err
			}
		}
		res, err := s.conversations().UpdateOne(sc,
			bson.D{{Key: "_id", Value: convID}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "unreadCounts." + userID, Value: 0}}}})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, errs.NotFound("conversation %s", convID)
		}
		return nil, nil
	})
	if err != nil {
		return errs.Transient("message.markRead", err)
	}
	return nil
}

// SoftDeleteMessage 墓碑：剥离内容，回应保留目标引用
func (s *Store) SoftDeleteMessage(ctx context.Context, convID, msgID string, at time.Time) error {
	m, err := s.GetMessage(ctx, convID, msgID)
	if err != nil {
		return err
	}
	if m.IsDeleted() {
		return nil
	}
	t := m.Tombstone(at)
	set := bson.D{{Key: "deletedAt", Value: at}}
	if t.QuotedContent != nil {
		set = append(set, bson.E{Key: "quotedContent", Value: &quotedDoc{Kind: string(t.QuotedContent.Kind), ID: t.QuotedContent.ID}})
	}
	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$unset", Value: bson.D{{Key: "content", Value: ""}, {Key: "mediaUrl", Value: ""}, {Key: "voiceUrl", Value: ""}, {Key: "heartCount", Value: ""}}},
	}
	if _, err := s.messages().UpdateOne(ctx, bson.D{{Key: "_id", Value: msgID}, {Key: "conversationId", Value: convID}}, update); err != nil {
		return errs.Transient("message.delete", err)
	}
	// 最新消息被撤回时同步清空预览
	_, err = s.conversations().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: convID}, {Key: "latestMessage.id", Value: msgID}},
		bson.D{{Key: "$unset", Value: bson.D{{Key: "latestMessage.content", Value: ""}}}})
	if err != nil {
		return errs.Transient("message.delete", err)
	}
	return nil
}

func (s *Store) SetTyping(ctx context.Context, convID, userID string, at time.Time) error {
	res, err := s.conversations().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: convID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "typingTimestamp." + userID, Value: at}}}})
	if err != nil {
		return errs.Transient("typing.set", err)
	}
	if res.MatchedCount == 0 {
		return errs.NotFound("conversation %s", convID)
	}
	return nil
}

var _ ports.DocumentStore = (*Store)(nil)
