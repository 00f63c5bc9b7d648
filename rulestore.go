package dnshield

import (
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Rule sources: where a rule came from.
const (
	SourceUser     = "user"
	SourceManifest = "manifest"
	SourceList     = "list"
	SourceBuiltin  = "builtin"
)

// Rule actions.
const (
	ActionBlock = "block"
	ActionAllow = "allow"
)

// Rule types.
const (
	RuleExact    = "exact"
	RuleWildcard = "wildcard"
	RuleRegex    = "regex"
)

// Rule is a single block/allow entry. Domain is the primary key: inserting
// a second rule with the same domain replaces the first.
type Rule struct {
	Domain        string
	Action        string
	Type          string
	Priority      int32
	Source        string
	CustomMessage string
	UpdatedAt     time.Time
	ExpiresAt     *time.Time
	Comment       string
}

func (r Rule) expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// RuleStore is a persistent, indexed rule database. All reads and writes
// are serialized through a single internal channel; this is what lets
// add_rules run inside one transaction without racing a concurrent lookup.
type RuleStore struct {
	path string
	db   *sql.DB

	ops chan func()

	mu          sync.Mutex
	subscribers []chan struct{}
}

const ruleStoreSchema = `
CREATE TABLE IF NOT EXISTS rules (
	domain TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	type TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL,
	custom_message TEXT,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER,
	comment TEXT
);
CREATE INDEX IF NOT EXISTS idx_rules_domain_action ON rules(domain, action);
CREATE INDEX IF NOT EXISTS idx_rules_domain_type ON rules(domain, type);
CREATE INDEX IF NOT EXISTS idx_rules_updated_at ON rules(updated_at);
CREATE INDEX IF NOT EXISTS idx_rules_expires_at ON rules(expires_at);
CREATE INDEX IF NOT EXISTS idx_rules_wildcard ON rules(domain) WHERE type = 'wildcard';
CREATE INDEX IF NOT EXISTS idx_rules_source_priority ON rules(source, priority DESC);

CREATE TABLE IF NOT EXISTS query_stats (
	domain TEXT PRIMARY KEY,
	hit_count INTEGER NOT NULL DEFAULT 0,
	last_queried INTEGER NOT NULL
);
`

// NewRuleStore opens (creating if necessary) the rule store at path.
func NewRuleStore(path string) (*RuleStore, error) {
	s := &RuleStore{path: path, ops: make(chan func())}
	go s.run()
	if err := s.do(s.open); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RuleStore) run() {
	for fn := range s.ops {
		fn()
	}
}

// do submits fn to the store's serial channel and blocks until it runs.
func (s *RuleStore) do(fn func() error) error {
	done := make(chan error, 1)
	s.ops <- func() { done <- fn() }
	return <-done
}

func (s *RuleStore) open() error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return err
	}
	if _, err := db.Exec(ruleStoreSchema); err != nil {
		db.Close()
		return err
	}
	s.db = db
	return nil
}

// isRecoverable reports whether err is one of the outcomes that the rule
// store attempts a single close-delete-reopen recovery pass for.
func isRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"disk i/o error", "unable to open database file", "file is not a database", "database disk image is malformed", "database is corrupt"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// withRecovery runs fn against the store; on a recoverable sqlite failure
// it performs exactly one recovery pass (close, delete file, reopen,
// retry) before surfacing StorageUnavailable.
func (s *RuleStore) withRecovery(op string, fn func() error) error {
	err := s.do(fn)
	if err == nil || !isRecoverable(err) {
		return err
	}
	Log.WithFields(map[string]interface{}{"op": op, "err": err}).Warn("rule store recovery pass starting")
	recoverErr := s.do(func() error {
		if s.db != nil {
			s.db.Close()
		}
		os.Remove(s.path)
		os.Remove(s.path + "-wal")
		os.Remove(s.path + "-shm")
		return s.open()
	})
	if recoverErr != nil {
		return &StorageUnavailableError{Op: op, Err: recoverErr}
	}
	if retryErr := s.do(fn); retryErr != nil {
		return &StorageUnavailableError{Op: op, Err: retryErr}
	}
	return nil
}

func (s *RuleStore) notifyChanged() {
	s.mu.Lock()
	subs := s.subscribers
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel that receives a value after every commit that
// changes rules. Per the ordering guarantee, a commit's notification is
// sent before any subsequent lookup the caller performs observes the new
// state, because the mutating call sends it before returning.
func (s *RuleStore) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// AddRules inserts or replaces a batch of rules in one transaction. For
// batches over 100 entries it relaxes durability pragmas for the duration
// of the transaction and restores them afterwards.
func (s *RuleStore) AddRules(batch []Rule) error {
	err := s.withRecovery("add_rules", func() error {
		bulk := len(batch) > 100
		if bulk {
			s.db.Exec("PRAGMA synchronous=OFF")
			s.db.Exec("PRAGMA temp_store=MEMORY")
			s.db.Exec("PRAGMA cache_size=-20000")
			defer func() {
				s.db.Exec("PRAGMA synchronous=NORMAL")
				s.db.Exec("PRAGMA temp_store=DEFAULT")
				s.db.Exec("PRAGMA cache_size=-2000")
			}()
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO rules (domain, action, type, priority, source, custom_message, updated_at, expires_at, comment)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(domain) DO UPDATE SET
				action = excluded.action, type = excluded.type, priority = excluded.priority,
				source = excluded.source, custom_message = excluded.custom_message,
				updated_at = excluded.updated_at, expires_at = excluded.expires_at, comment = excluded.comment
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range batch {
			var expires interface{}
			if r.ExpiresAt != nil {
				expires = r.ExpiresAt.Unix()
			}
			if _, err := stmt.Exec(r.Domain, r.Action, r.Type, r.Priority, r.Source, r.CustomMessage, r.UpdatedAt.Unix(), expires, r.Comment); err != nil {
				return fmt.Errorf("insert rule %s: %w", r.Domain, err)
			}
		}
		return tx.Commit()
	})
	if err == nil {
		s.notifyChanged()
	}
	return err
}

// RemoveRule deletes a single rule by domain.
func (s *RuleStore) RemoveRule(domain string) error {
	err := s.withRecovery("remove_rule", func() error {
		_, err := s.db.Exec("DELETE FROM rules WHERE domain = ?", domain)
		return err
	})
	if err == nil {
		s.notifyChanged()
	}
	return err
}

// RemoveAllFromSource deletes every rule attributed to source.
func (s *RuleStore) RemoveAllFromSource(source string) error {
	err := s.withRecovery("remove_all_from_source", func() error {
		_, err := s.db.Exec("DELETE FROM rules WHERE source = ?", source)
		return err
	})
	if err == nil {
		s.notifyChanged()
	}
	return err
}

// RemoveExpired deletes every rule whose expires_at has passed.
func (s *RuleStore) RemoveExpired() error {
	err := s.withRecovery("remove_expired", func() error {
		_, err := s.db.Exec("DELETE FROM rules WHERE expires_at IS NOT NULL AND expires_at < ?", time.Now().Unix())
		return err
	})
	if err == nil {
		s.notifyChanged()
	}
	return err
}

// ReplaceAllFromSource atomically replaces every rule from source with
// rules, in one transaction.
func (s *RuleStore) ReplaceAllFromSource(source string, rules []Rule) error {
	err := s.withRecovery("replace_all_from_source", func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec("DELETE FROM rules WHERE source = ?", source); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`
			INSERT INTO rules (domain, action, type, priority, source, custom_message, updated_at, expires_at, comment)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(domain) DO UPDATE SET
				action = excluded.action, type = excluded.type, priority = excluded.priority,
				source = excluded.source, custom_message = excluded.custom_message,
				updated_at = excluded.updated_at, expires_at = excluded.expires_at, comment = excluded.comment
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rules {
			var expires interface{}
			if r.ExpiresAt != nil {
				expires = r.ExpiresAt.Unix()
			}
			if _, err := stmt.Exec(r.Domain, r.Action, r.Type, r.Priority, source, r.CustomMessage, r.UpdatedAt.Unix(), expires, r.Comment); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err == nil {
		s.notifyChanged()
	}
	return err
}

func scanRule(rows *sql.Rows) (Rule, error) {
	var r Rule
	var updatedUnix int64
	var expiresUnix sql.NullInt64
	var customMessage, comment sql.NullString
	if err := rows.Scan(&r.Domain, &r.Action, &r.Type, &r.Priority, &r.Source, &customMessage, &updatedUnix, &expiresUnix, &comment); err != nil {
		return Rule{}, err
	}
	r.UpdatedAt = time.Unix(updatedUnix, 0)
	r.CustomMessage = customMessage.String
	r.Comment = comment.String
	if expiresUnix.Valid {
		t := time.Unix(expiresUnix.Int64, 0)
		r.ExpiresAt = &t
	}
	return r, nil
}

const ruleColumns = "domain, action, type, priority, source, custom_message, updated_at, expires_at, comment"

// RuleForDomain implements the priority-ordered longest-suffix lookup: an
// exact match wins outright; failing that, the wildcard key for the name
// itself; failing that, parent-suffix wildcards from the immediate parent
// outward; failing that, lazily-compiled regex rules (a compile failure is
// treated as no match, not an error, and never aborts the lookup).
func (s *RuleStore) RuleForDomain(name string) (*Rule, error) {
	now := time.Now()
	var result *Rule

	err := s.withRecovery("rule_for_domain", func() error {
		s.recordQuery(name, now)

		if r, err := s.queryOne("SELECT "+ruleColumns+" FROM rules WHERE domain = ? AND type != 'regex' ORDER BY priority DESC, rowid ASC LIMIT 1", name); err != nil {
			return err
		} else if r != nil && !r.expired(now) {
			result = r
			return nil
		}

		if r, err := s.queryOne("SELECT "+ruleColumns+" FROM rules WHERE domain = ? AND type = 'wildcard' ORDER BY priority DESC, rowid ASC LIMIT 1", "*."+name); err != nil {
			return err
		} else if r != nil && !r.expired(now) {
			result = r
			return nil
		}

		for _, suffix := range strictSuffixes(name) {
			if r, err := s.queryOne("SELECT "+ruleColumns+" FROM rules WHERE domain = ? AND type = 'wildcard' ORDER BY priority DESC, rowid ASC LIMIT 1", "*."+suffix); err != nil {
				return err
			} else if r != nil && !r.expired(now) {
				result = r
				return nil
			}
		}

		rows, err := s.db.Query("SELECT "+ruleColumns+" FROM rules WHERE type = 'regex' ORDER BY priority DESC, rowid ASC")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRule(rows)
			if err != nil {
				return err
			}
			if r.expired(now) {
				continue
			}
			re, err := regexp.Compile(r.Domain)
			if err != nil {
				continue
			}
			if re.MatchString(name) {
				result = &r
				return nil
			}
		}
		return rows.Err()
	})
	return result, err
}

func (s *RuleStore) queryOne(query string, args ...interface{}) (*Rule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRule(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// strictSuffixes returns the strict suffixes of name, one leading label
// stripped at a time, longest first: "a.b.c.com" -> ["b.c.com", "c.com", "com"].
func strictSuffixes(name string) []string {
	var suffixes []string
	parts := strings.Split(name, ".")
	for i := 1; i < len(parts); i++ {
		suffixes = append(suffixes, strings.Join(parts[i:], "."))
	}
	return suffixes
}

func (s *RuleStore) recordQuery(domain string, at time.Time) {
	s.db.Exec(`
		INSERT INTO query_stats (domain, hit_count, last_queried) VALUES (?, 1, ?)
		ON CONFLICT(domain) DO UPDATE SET hit_count = hit_count + 1, last_queried = excluded.last_queried
	`, domain, at.Unix())
}

// QueryStat is one row of the query_stats table.
type QueryStat struct {
	Domain      string
	HitCount    int64
	LastQueried time.Time
}

// MostQueried returns the n most-queried domains, descending by hit count.
func (s *RuleStore) MostQueried(n int) ([]QueryStat, error) {
	var out []QueryStat
	err := s.withRecovery("most_queried", func() error {
		rows, err := s.db.Query("SELECT domain, hit_count, last_queried FROM query_stats ORDER BY hit_count DESC LIMIT ?", n)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var stat QueryStat
			var lastUnix int64
			if err := rows.Scan(&stat.Domain, &stat.HitCount, &lastUnix); err != nil {
				return err
			}
			stat.LastQueried = time.Unix(lastUnix, 0)
			out = append(out, stat)
		}
		return rows.Err()
	})
	return out, err
}

// CleanupOlderThan deletes query_stats rows not queried within d.
func (s *RuleStore) CleanupOlderThan(d time.Duration) error {
	cutoff := time.Now().Add(-d).Unix()
	return s.withRecovery("cleanup_older_than", func() error {
		_, err := s.db.Exec("DELETE FROM query_stats WHERE last_queried <= ?", cutoff)
		return err
	})
}

// Close releases the underlying database handle.
func (s *RuleStore) Close() error {
	return s.do(func() error {
		if s.db == nil {
			return nil
		}
		return s.db.Close()
	})
}
