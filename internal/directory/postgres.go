// Package directory implements the user, document and preference store on
// Postgres. It owns the notification_prefs table and the per-user
// unsubscribe signing keys.
package directory

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gridstone/docnotify/internal/notify"
	"github.com/gridstone/docnotify/internal/prefs"
)

// ErrNotFound reports a missing document or user.
var ErrNotFound = errors.New("not found")

// Doc-defaults rows use an empty user id so both record kinds share one
// table and one upsert.
const docDefaultsUserID = ""

// Postgres implements notify.Directory over database/sql.
type Postgres struct {
	db      *sql.DB
	homeURL string
}

// NewPostgres wraps an open connection pool. homeURL is used to build
// document URLs for rows that lack an explicit one.
func NewPostgres(db *sql.DB, homeURL string) *Postgres {
	return &Postgres{db: db, homeURL: homeURL}
}

// DocAccess returns every user with real access to the document, paired
// with their merged preferences. Public-link viewers never get a row in
// doc_access, so they are excluded by construction.
func (p *Postgres) DocAccess(ctx context.Context, docID string) ([]notify.UserAccess, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT u.id, u.ref, u.name, COALESCE(u.email, ''),
		       COALESCE(d.prefs::text, '{}'), COALESCE(o.prefs::text, '{}')
		FROM doc_access a
		JOIN users u ON u.id = a.user_id
		LEFT JOIN notification_prefs d ON d.doc_id = a.doc_id AND d.user_id = $2
		LEFT JOIN notification_prefs o ON o.doc_id = a.doc_id AND o.user_id = u.id
		WHERE a.doc_id = $1
		ORDER BY u.id
	`, docID, docDefaultsUserID)
	if err != nil {
		return nil, fmt.Errorf("query doc access: %w", err)
	}
	defer rows.Close()

	var out []notify.UserAccess
	for rows.Next() {
		var u notify.User
		var defJSON, ovrJSON string
		if err := rows.Scan(&u.ID, &u.Ref, &u.Name, &u.Email, &defJSON, &ovrJSON); err != nil {
			return nil, fmt.Errorf("scan doc access: %w", err)
		}
		def, err := decodePrefs(defJSON)
		if err != nil {
			return nil, fmt.Errorf("doc %s defaults: %w", docID, err)
		}
		ovr, err := decodePrefs(ovrJSON)
		if err != nil {
			return nil, fmt.Errorf("doc %s override for %s: %w", docID, u.ID, err)
		}
		out = append(out, notify.UserAccess{User: u, Prefs: prefs.Merge(def, ovr)})
	}
	return out, rows.Err()
}

// Doc loads document metadata.
func (p *Postgres) Doc(ctx context.Context, docID string) (*notify.DocInfo, error) {
	var d notify.DocInfo
	var url sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, url FROM docs WHERE id = $1`, docID,
	).Scan(&d.ID, &d.Name, &url)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("doc %s: %w", docID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query doc %s: %w", docID, err)
	}
	d.URL = url.String
	if d.URL == "" {
		d.URL = p.homeURL + "/docs/" + d.ID
	}
	return &d, nil
}

// User loads a user by id.
func (p *Postgres) User(ctx context.Context, userID string) (*notify.User, error) {
	return p.userWhere(ctx, "id", userID)
}

// UserByRef loads a user by public ref.
func (p *Postgres) UserByRef(ctx context.Context, userRef string) (*notify.User, error) {
	return p.userWhere(ctx, "ref", userRef)
}

func (p *Postgres) userWhere(ctx context.Context, col, val string) (*notify.User, error) {
	var u notify.User
	err := p.db.QueryRowContext(ctx,
		`SELECT id, ref, name, COALESCE(email, '') FROM users WHERE `+col+` = $1`, val,
	).Scan(&u.ID, &u.Ref, &u.Name, &u.Email)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s=%s: %w", col, val, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user %s=%s: %w", col, val, err)
	}
	return &u, nil
}

// EnsureUnsubscribeKey returns the user's signing key, minting one on
// first use. The write is guarded so a concurrent mint cannot be
// overwritten; losers re-read the winner's key.
func (p *Postgres) EnsureUnsubscribeKey(ctx context.Context, userID string) ([]byte, error) {
	key, err := p.readUnsubscribeKey(ctx, userID)
	if err != nil || len(key) > 0 {
		return key, err
	}

	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		return nil, fmt.Errorf("generate unsubscribe key: %w", err)
	}
	if _, err := p.db.ExecContext(ctx,
		`UPDATE users SET unsubscribe_key = $2 WHERE id = $1 AND unsubscribe_key IS NULL`,
		userID, fresh,
	); err != nil {
		return nil, fmt.Errorf("store unsubscribe key: %w", err)
	}

	key, err = p.readUnsubscribeKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("unsubscribe key for %s not persisted", userID)
	}
	return key, nil
}

func (p *Postgres) readUnsubscribeKey(ctx context.Context, userID string) ([]byte, error) {
	var key []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT unsubscribe_key FROM users WHERE id = $1`, userID,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query unsubscribe key: %w", err)
	}
	return key, nil
}

// DocPrefs returns the stored doc defaults and the user's override record,
// unmerged. Missing records come back empty.
func (p *Postgres) DocPrefs(ctx context.Context, docID, userID string) (docDefaults, currentUser prefs.Prefs, err error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, prefs::text FROM notification_prefs
		WHERE doc_id = $1 AND user_id IN ($2, $3)
	`, docID, docDefaultsUserID, userID)
	if err != nil {
		return prefs.Prefs{}, prefs.Prefs{}, fmt.Errorf("query prefs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var uid, raw string
		if err := rows.Scan(&uid, &raw); err != nil {
			return prefs.Prefs{}, prefs.Prefs{}, fmt.Errorf("scan prefs: %w", err)
		}
		rec, err := decodePrefs(raw)
		if err != nil {
			return prefs.Prefs{}, prefs.Prefs{}, fmt.Errorf("doc %s prefs for %q: %w", docID, uid, err)
		}
		if uid == docDefaultsUserID {
			docDefaults = rec
		} else {
			currentUser = rec
		}
	}
	return docDefaults, currentUser, rows.Err()
}

// SetDocPrefs replaces one or both records; a nil record is left untouched.
func (p *Postgres) SetDocPrefs(ctx context.Context, docID, userID string, docDefaults, currentUser *prefs.Prefs) error {
	if docDefaults != nil {
		if err := p.upsertPrefs(ctx, docID, docDefaultsUserID, *docDefaults); err != nil {
			return err
		}
	}
	if currentUser != nil {
		if err := p.upsertPrefs(ctx, docID, userID, *currentUser); err != nil {
			return err
		}
	}
	return nil
}

// PatchUserPrefs overlays patch onto the user's stored override, leaving
// unset fields and the doc defaults alone. The read and write run in one
// transaction so concurrent patches cannot drop each other's fields.
func (p *Postgres) PatchUserPrefs(ctx context.Context, docID, userRef string, patch prefs.Prefs) error {
	u, err := p.UserByRef(ctx, userRef)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin patch: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `
		SELECT prefs::text FROM notification_prefs
		WHERE doc_id = $1 AND user_id = $2 FOR UPDATE
	`, docID, u.ID).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read prefs for patch: %w", err)
	}

	base := prefs.Prefs{}
	if err == nil {
		if base, err = decodePrefs(raw); err != nil {
			return fmt.Errorf("doc %s override for %s: %w", docID, u.ID, err)
		}
	}

	merged, err := json.Marshal(prefs.Patch(base, patch))
	if err != nil {
		return fmt.Errorf("encode prefs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notification_prefs (doc_id, user_id, prefs) VALUES ($1, $2, $3)
		ON CONFLICT (doc_id, user_id) DO UPDATE SET prefs = EXCLUDED.prefs
	`, docID, u.ID, merged); err != nil {
		return fmt.Errorf("write patched prefs: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) upsertPrefs(ctx context.Context, docID, userID string, rec prefs.Prefs) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode prefs: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO notification_prefs (doc_id, user_id, prefs) VALUES ($1, $2, $3)
		ON CONFLICT (doc_id, user_id) DO UPDATE SET prefs = EXCLUDED.prefs
	`, docID, userID, data); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	return nil
}

func decodePrefs(raw string) (prefs.Prefs, error) {
	var p prefs.Prefs
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return prefs.Prefs{}, fmt.Errorf("decode prefs: %w", err)
	}
	return p, nil
}
