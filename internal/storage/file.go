package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"renewd/internal/subscription"
	logx "renewd/pkg/logx"
)

// fileStore keeps all state in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// The journal is compacted into the snapshot on open and every
// compactEvery writes. Only one process may use the files at a time.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	writes       int

	subs map[string]subscription.Subscription
	rems map[subscription.ReminderKey]subscription.ReminderRecord
}

const compactEvery = 500

type fileSnapshot struct {
	Subscriptions []subscription.Subscription   `json:"subscriptions"`
	Reminders     []subscription.ReminderRecord `json:"reminders"`
}

type journalOp string

const (
	opPutSub journalOp = "put_sub"
	opDelSub journalOp = "del_sub"
	opPutRem journalOp = "put_rem"
	opDelRem journalOp = "del_rem"
)

type journalEntry struct {
	Op  journalOp                    `json:"op"`
	Sub *subscription.Subscription   `json:"sub,omitempty"`
	Rem *subscription.ReminderRecord `json:"rem,omitempty"`
	ID  string                       `json:"id,omitempty"`
	Key *subscription.ReminderKey    `json:"key,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, unavailable(err)
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		subs:         map[string]subscription.Subscription{},
		rems:         map[subscription.ReminderKey]subscription.ReminderRecord{},
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, unavailable(err)
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, unavailable(err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, unavailable(err)
	}
	s.journal = jf

	s.mu.Lock()
	err = s.compactLocked()
	s.mu.Unlock()
	if err != nil {
		_ = jf.Close()
		return nil, unavailable(err)
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(e journalEntry) error {
	if s.journal == nil {
		return unavailable(errors.New("journal closed"))
	}
	if err := json.NewEncoder(s.journal).Encode(e); err != nil {
		return unavailable(err)
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{
		Subscriptions: make([]subscription.Subscription, 0, len(s.subs)),
		Reminders:     make([]subscription.ReminderRecord, 0, len(s.rems)),
	}
	for _, sub := range s.subs {
		snap.Subscriptions = append(snap.Subscriptions, sub)
	}
	for _, rec := range s.rems {
		snap.Reminders = append(snap.Reminders, rec)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, sub := range snap.Subscriptions {
		s.subs[sub.ID] = sub
	}
	for _, rec := range snap.Reminders {
		s.rems[rec.ReminderKey] = rec
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		s.applyEntry(e)
	}
	return sc.Err()
}

func (s *fileStore) applyEntry(e journalEntry) {
	switch e.Op {
	case opPutSub:
		if e.Sub != nil {
			s.subs[e.Sub.ID] = *e.Sub
		}
	case opDelSub:
		delete(s.subs, e.ID)
	case opPutRem:
		if e.Rem != nil {
			s.rems[e.Rem.ReminderKey] = *e.Rem
		}
	case opDelRem:
		if e.Key != nil {
			delete(s.rems, *e.Key)
		}
	}
}

func (s *fileStore) putSubLocked(sub subscription.Subscription) error {
	if err := s.appendLocked(journalEntry{Op: opPutSub, Sub: &sub}); err != nil {
		return err
	}
	s.subs[sub.ID] = sub
	return nil
}

func (s *fileStore) putRemLocked(rec subscription.ReminderRecord) error {
	if err := s.appendLocked(journalEntry{Op: opPutRem, Rem: &rec}); err != nil {
		return err
	}
	s.rems[rec.ReminderKey] = rec
	return nil
}

func sortSubs(out []subscription.Subscription) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextBillingDate.Equal(out[j].NextBillingDate) {
			return out[i].NextBillingDate.Before(out[j].NextBillingDate)
		}
		return out[i].ID < out[j].ID
	})
}

func (s *fileStore) ListSubscriptions(ctx context.Context) ([]subscription.Subscription, error) {
	return s.ListSubscriptionsDueForCheck(ctx, time.Time{})
}

// ListSubscriptionsDueForCheck with a zero before lists everything.
func (s *fileStore) ListSubscriptionsDueForCheck(ctx context.Context, before time.Time) ([]subscription.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]subscription.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if before.IsZero() || sub.NextBillingDate.Before(before) {
			out = append(out, sub)
		}
	}
	s.mu.Unlock()
	sortSubs(out)
	return out, nil
}

func (s *fileStore) GetSubscription(ctx context.Context, id string) (subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return sub, notFound("subscription", id)
	}
	return sub, nil
}

func (s *fileStore) PutSubscription(ctx context.Context, sub subscription.Subscription) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.subs[sub.ID]; ok {
		sub.CreatedAt = cur.CreatedAt
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}
	return s.putSubLocked(sub)
}

func (s *fileStore) DeleteSubscription(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return notFound("subscription", id)
	}
	if err := s.appendLocked(journalEntry{Op: opDelSub, ID: id}); err != nil {
		return err
	}
	delete(s.subs, id)
	return nil
}

func (s *fileStore) modifySub(id string, fn func(*subscription.Subscription)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return notFound("subscription", id)
	}
	fn(&sub)
	sub.UpdatedAt = time.Now()
	return s.putSubLocked(sub)
}

func (s *fileStore) UpdateNextBillingDate(ctx context.Context, id string, date time.Time) error {
	return s.modifySub(id, func(sub *subscription.Subscription) { sub.NextBillingDate = date })
}

func (s *fileStore) ClearNotificationTarget(ctx context.Context, id string) error {
	return s.modifySub(id, func(sub *subscription.Subscription) { sub.NotificationTarget = "" })
}

func (s *fileStore) GetReminder(ctx context.Context, key subscription.ReminderKey) (subscription.ReminderRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rems[key]
	return rec, ok, nil
}

func (s *fileStore) ClaimReminder(ctx context.Context, rec subscription.ReminderRecord, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rems[rec.ReminderKey]; ok {
		if !cur.Claimable(now) {
			return false, nil
		}
		cur.LeaseUntil = rec.LeaseUntil
		cur.UpdatedAt = rec.UpdatedAt
		cur.BillingDate = rec.BillingDate
		rec = cur
	}
	if err := s.putRemLocked(rec); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) UpsertReminder(ctx context.Context, rec subscription.ReminderRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rems[rec.ReminderKey]; ok {
		if cur.Status == subscription.StatusSent {
			return false, nil
		}
		rec.CreatedAt = cur.CreatedAt
	}
	if err := s.putRemLocked(rec); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) ListReminders(ctx context.Context, status subscription.Status) ([]subscription.ReminderRecord, error) {
	s.mu.Lock()
	out := make([]subscription.ReminderRecord, 0, len(s.rems))
	for _, rec := range s.rems {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()
	sortReminders(out)
	return out, nil
}

func sortReminders(out []subscription.ReminderRecord) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.BillingDate.Equal(b.BillingDate) {
			return a.BillingDate.Before(b.BillingDate)
		}
		if a.SubscriptionID != b.SubscriptionID {
			return a.SubscriptionID < b.SubscriptionID
		}
		return a.InstanceKey < b.InstanceKey
	})
}

func (s *fileStore) ResetReminder(ctx context.Context, key subscription.ReminderKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rems[key]
	if !ok {
		return notFound("reminder", key.String())
	}
	if cur.Status == subscription.StatusSent {
		return fmt.Errorf("reset %s: %w", key, ErrAlreadySent)
	}
	if err := s.appendLocked(journalEntry{Op: opDelRem, Key: &key}); err != nil {
		return err
	}
	delete(s.rems, key)
	return nil
}

func (s *fileStore) PruneReminders(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.rems {
		if !rec.BillingDate.Before(before) {
			continue
		}
		k := key
		if err := s.appendLocked(journalEntry{Op: opDelRem, Key: &k}); err != nil {
			return n, err
		}
		delete(s.rems, key)
		n++
	}
	return n, nil
}
