package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"renewd/internal/subscription"
	logx "renewd/pkg/logx"
)

// redisStore keeps JSON documents under prefixed keys:
//   - <prefix>sub:<id>            subscription document
//   - <prefix>subs                ZSET of subscription ids by next billing date (ms)
//   - <prefix>rem:<id>:<instance> reminder record document
//   - <prefix>rems                ZSET of reminder members by billing date (ms)
//
// Compare-and-set uses WATCH/MULTI; a lost race surfaces as redis.TxFailedErr.
type redisStore struct {
	rdb    *redis.Client
	log    logx.Logger
	prefix string
	ttl    time.Duration
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

const (
	redisTxRetries = 8
	memberSep      = "\x1f"
)

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	if strings.TrimSpace(rc.Addr) == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	prefix := rc.Prefix
	if prefix == "" {
		prefix = "renewd:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, unavailable(err)
	}
	log.Debug("redis store opened", logx.String("addr", rc.Addr), logx.Int("db", rc.DB))
	return &redisStore{rdb: rdb, log: log, prefix: prefix, ttl: rc.RecordTTL}, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) subKey(id string) string { return s.prefix + "sub:" + id }
func (s *redisStore) subIndex() string        { return s.prefix + "subs" }
func (s *redisStore) remIndex() string        { return s.prefix + "rems" }

func (s *redisStore) remKey(k subscription.ReminderKey) string {
	return s.prefix + "rem:" + k.SubscriptionID + ":" + k.InstanceKey
}

func remMember(k subscription.ReminderKey) string { return k.SubscriptionID + memberSep + k.InstanceKey }

func parseRemMember(m string) (subscription.ReminderKey, bool) {
	id, key, ok := strings.Cut(m, memberSep)
	return subscription.ReminderKey{SubscriptionID: id, InstanceKey: key}, ok
}

// watch runs fn under WATCH keys, retrying lost races.
func (s *redisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < redisTxRetries; i++ {
		err = s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *redisStore) loadSubs(ctx context.Context, ids []string) ([]subscription.Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.subKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]subscription.Subscription, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var sub subscription.Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			s.log.Warn("skipping undecodable subscription", logx.String("key", keys[i]), logx.Err(err))
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *redisStore) ListSubscriptions(ctx context.Context) ([]subscription.Subscription, error) {
	ids, err := s.rdb.ZRange(ctx, s.subIndex(), 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return s.loadSubs(ctx, ids)
}

func (s *redisStore) ListSubscriptionsDueForCheck(ctx context.Context, before time.Time) ([]subscription.Subscription, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.subIndex(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return s.loadSubs(ctx, ids)
}

func (s *redisStore) getSub(ctx context.Context, c getter, id string) (subscription.Subscription, error) {
	var sub subscription.Subscription
	raw, err := c.Get(ctx, s.subKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return sub, notFound("subscription", id)
	}
	if err != nil {
		return sub, unavailable(err)
	}
	if err := json.Unmarshal(raw, &sub); err != nil {
		return sub, fmt.Errorf("subscription %q: %w", id, err)
	}
	return sub, nil
}

func (s *redisStore) GetSubscription(ctx context.Context, id string) (subscription.Subscription, error) {
	return s.getSub(ctx, s.rdb, id)
}

func (s *redisStore) writeSub(ctx context.Context, tx *redis.Tx, sub subscription.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.subKey(sub.ID), raw, 0)
		p.ZAdd(ctx, s.subIndex(), redis.Z{Score: float64(sub.NextBillingDate.UnixMilli()), Member: sub.ID})
		return nil
	})
	return err
}

func (s *redisStore) PutSubscription(ctx context.Context, sub subscription.Subscription) error {
	now := time.Now()
	err := s.watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.getSub(ctx, tx, sub.ID)
		switch {
		case err == nil:
			sub.CreatedAt = cur.CreatedAt
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = now
		}
		if sub.UpdatedAt.IsZero() {
			sub.UpdatedAt = now
		}
		return s.writeSub(ctx, tx, sub)
	}, s.subKey(sub.ID))
	return unavailable(err)
}

func (s *redisStore) DeleteSubscription(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, s.subKey(id))
		p.ZRem(ctx, s.subIndex(), id)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	if del.Val() == 0 {
		return notFound("subscription", id)
	}
	return nil
}

func (s *redisStore) modifySub(ctx context.Context, id string, fn func(*subscription.Subscription)) error {
	err := s.watch(ctx, func(tx *redis.Tx) error {
		sub, err := s.getSub(ctx, tx, id)
		if err != nil {
			return err
		}
		fn(&sub)
		sub.UpdatedAt = time.Now()
		return s.writeSub(ctx, tx, sub)
	}, s.subKey(id))
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return unavailable(err)
}

func (s *redisStore) UpdateNextBillingDate(ctx context.Context, id string, date time.Time) error {
	return s.modifySub(ctx, id, func(sub *subscription.Subscription) { sub.NextBillingDate = date })
}

func (s *redisStore) ClearNotificationTarget(ctx context.Context, id string) error {
	return s.modifySub(ctx, id, func(sub *subscription.Subscription) { sub.NotificationTarget = "" })
}

func (s *redisStore) getRem(ctx context.Context, c getter, key subscription.ReminderKey) (subscription.ReminderRecord, bool, error) {
	var rec subscription.ReminderRecord
	raw, err := c.Get(ctx, s.remKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, unavailable(err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, false, fmt.Errorf("reminder %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *redisStore) GetReminder(ctx context.Context, key subscription.ReminderKey) (subscription.ReminderRecord, bool, error) {
	return s.getRem(ctx, s.rdb, key)
}

func (s *redisStore) writeRem(ctx context.Context, tx *redis.Tx, rec subscription.ReminderRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := s.remKey(rec.ReminderKey)
	_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, raw, 0)
		p.ZAdd(ctx, s.remIndex(), redis.Z{Score: float64(rec.BillingDate.UnixMilli()), Member: remMember(rec.ReminderKey)})
		if s.ttl > 0 && rec.Status != subscription.StatusPending {
			p.PExpireAt(ctx, key, rec.BillingDate.Add(s.ttl))
		}
		return nil
	})
	return err
}

func (s *redisStore) ClaimReminder(ctx context.Context, rec subscription.ReminderRecord, now time.Time) (bool, error) {
	won := false
	// A lost WATCH race means another claimer wrote first, so it is not retried.
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, ok, err := s.getRem(ctx, tx, rec.ReminderKey)
		if err != nil {
			return err
		}
		if ok {
			if !cur.Claimable(now) {
				return nil
			}
			cur.LeaseUntil = rec.LeaseUntil
			cur.UpdatedAt = rec.UpdatedAt
			cur.BillingDate = rec.BillingDate
			rec = cur
		}
		if err := s.writeRem(ctx, tx, rec); err != nil {
			return err
		}
		won = true
		return nil
	}, s.remKey(rec.ReminderKey))
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	return won, nil
}

func (s *redisStore) UpsertReminder(ctx context.Context, rec subscription.ReminderRecord) (bool, error) {
	applied := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		applied = false
		cur, ok, err := s.getRem(ctx, tx, rec.ReminderKey)
		if err != nil {
			return err
		}
		if ok {
			if cur.Status == subscription.StatusSent {
				return nil
			}
			rec.CreatedAt = cur.CreatedAt
		}
		if err := s.writeRem(ctx, tx, rec); err != nil {
			return err
		}
		applied = true
		return nil
	}, s.remKey(rec.ReminderKey))
	if err != nil {
		return false, unavailable(err)
	}
	return applied, nil
}

func (s *redisStore) ListReminders(ctx context.Context, status subscription.Status) ([]subscription.ReminderRecord, error) {
	members, err := s.rdb.ZRange(ctx, s.remIndex(), 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		if k, ok := parseRemMember(m); ok {
			keys = append(keys, s.remKey(k))
		}
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	var out []subscription.ReminderRecord
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Expired through RecordTTL; the index entry goes on the next prune.
			continue
		}
		var rec subscription.ReminderRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	sortReminders(out)
	return out, nil
}

func (s *redisStore) ResetReminder(ctx context.Context, key subscription.ReminderKey) error {
	var result error
	err := s.watch(ctx, func(tx *redis.Tx) error {
		cur, ok, err := s.getRem(ctx, tx, key)
		if err != nil {
			return err
		}
		switch {
		case !ok:
			result = notFound("reminder", key.String())
			return nil
		case cur.Status == subscription.StatusSent:
			result = fmt.Errorf("reset %s: %w", key, ErrAlreadySent)
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, s.remKey(key))
			p.ZRem(ctx, s.remIndex(), remMember(key))
			return nil
		})
		result = nil
		return err
	}, s.remKey(key))
	if err != nil {
		return unavailable(err)
	}
	return result
}

func (s *redisStore) PruneReminders(ctx context.Context, before time.Time) (int, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.remIndex(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	var dels []*redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			k, ok := parseRemMember(m)
			if ok {
				dels = append(dels, p.Del(ctx, s.remKey(k)))
			}
			p.ZRem(ctx, s.remIndex(), m)
		}
		return nil
	})
	if err != nil {
		return 0, unavailable(err)
	}
	n := 0
	for _, d := range dels {
		n += int(d.Val())
	}
	return n, nil
}
