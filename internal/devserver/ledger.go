package devserver

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/openmined/syftdrop/internal/utils"
)

const (
	ledgerSize  = 100_000
	ledgerGrace = time.Minute
)

var (
	errGrantUnknown  = errors.New("grant not found")
	errGrantExpired  = errors.New("grant expired")
	errGrantConsumed = errors.New("grant already used")
)

type grantOp string

const (
	opUpload   grantOp = "upload"
	opDownload grantOp = "download"
)

// grantRecord is the server side of an issued grant
type grantRecord struct {
	ID            string
	Op            grantOp
	Key           string
	User          string
	CorrelationID string
	FileName      string
	ContentType   string
	ExpiresAt     time.Time

	used atomic.Bool
}

func (r *grantRecord) expired(t time.Time) bool {
	return !t.Before(r.ExpiresAt)
}

// ledger remembers issued grants until shortly after they expire, so late
// transfers are told "expired" rather than "unknown"
type ledger struct {
	grants *expirable.LRU[string, *grantRecord]
	now    func() time.Time
}

func newLedger(ttl time.Duration) *ledger {
	return &ledger{
		grants: expirable.NewLRU[string, *grantRecord](ledgerSize, nil, ttl+ledgerGrace),
		now:    time.Now,
	}
}

func (l *ledger) issue(op grantOp, key, user string, ttl time.Duration) *grantRecord {
	rec := &grantRecord{
		ID:        utils.TokenHex(16),
		Op:        op,
		Key:       key,
		User:      user,
		ExpiresAt: l.now().Add(ttl).Truncate(time.Second),
	}
	return rec
}

func (l *ledger) add(rec *grantRecord) {
	l.grants.Add(rec.ID, rec)
}

func (l *ledger) get(id string) (*grantRecord, bool) {
	return l.grants.Get(id)
}

// consume marks a grant used. Only the first caller within the validity window succeeds.
func (l *ledger) consume(id string, op grantOp) (*grantRecord, error) {
	rec, ok := l.grants.Get(id)
	if !ok || rec.Op != op {
		return nil, errGrantUnknown
	}
	if rec.expired(l.now()) {
		return rec, errGrantExpired
	}
	if !rec.used.CompareAndSwap(false, true) {
		return rec, errGrantConsumed
	}
	return rec, nil
}

// pendingUploads returns upload grants that were not used yet and have not expired
func (l *ledger) pendingUploads() []*grantRecord {
	now := l.now()
	var out []*grantRecord
	for _, rec := range l.grants.Values() {
		if rec.Op == opUpload && !rec.used.Load() && !rec.expired(now) {
			out = append(out, rec)
		}
	}
	return out
}
