package dal

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/spaolacci/murmur3"

	"gatherpub/shared"
)

const schemaVer = 1

//go:embed scripts/*
var scripts embed.FS

type IRepo interface {
	InitUpdateDb()
	AddAccountIfNotExist(account *Account, privKey string) (isNew bool, err error)
	DoesAccountExist(user string) (bool, error)
	GetAccount(user string) (*Account, error)
	GetPrivKey(user string) (string, error)
	GetRemoteActor(userUrl string) (*RemoteActor, error)
	UpsertRemoteActor(actor *RemoteActor) error
	GetApprovedFollowerCount(user string) (uint, error)
	GetTotalFollowerCount() (int, error)
	GetFollowersByUser(user string, onlyApproved bool) ([]*FollowerInfo, error)
	GetFollowersPage(user string, offset, limit int) ([]*FollowerInfo, error)
	SetFollowerApproveStatus(user, followerUserUrl string, status int) error
	AddFollower(user string, follower *FollowerInfo) error
	RemoveFollower(user, followerUserUrl string) error
	AddFollowing(user string, following *FollowingInfo) error
	SetFollowingStatus(user, followedUserUrl string, status int) error
	RemoveFollowing(user, followedUserUrl string) error
	GetFollowingCount(user string) (uint, error)
	AddEvent(user string, event *Event) error
	UpdateEvent(user string, event *Event) error
	DeleteEvent(user, eventId string) error
	GetEvent(user, eventId string) (*Event, error)
	GetEventCount(user string) (uint, error)
	GetEventsPage(user string, offset, limit int) ([]*Event, error)
	UpsertRsvp(eventUrl, actorUrl, status string) error
	AddLikeIfNew(objectUrl, actorUrl string) (isNew bool, err error)
	RemoveLike(objectUrl, actorUrl string) error
	UpsertCachedObject(obj *CachedObject) error
	GetCachedObject(uri string) (*CachedObject, error)
	DeleteCachedObject(uri string) error
	MarkActivityHandled(id string, expiresAt time.Time) (alreadyHandled bool, err error)
	PurgeHandledActivities(now time.Time) (int64, error)
	AddFailedDelivery(fd *FailedDelivery) error
	GetDueFailedDeliveries(due time.Time, maxCount int) ([]*FailedDelivery, int, error)
	UpdateFailedDelivery(id int, attempts int, lastError string, nextAttemptAt time.Time) error
	DeleteFailedDelivery(id int) error
	AddBlock(user, target string, isDomain bool) error
	RemoveBlock(user, target string) error
	IsBlocked(user, actorUrl, domain string) (bool, error)
}

type Repo struct {
	cfg    *shared.Config
	logger shared.ILogger
	db     *sql.DB
	muDb   sync.RWMutex
}

func NewRepo(cfg *shared.Config, logger shared.ILogger) IRepo {

	var err error
	var db *sql.DB

	// _synchronous=1 is "normal"
	cstr := "file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=1&_busy_timeout=5000"
	db, err = sql.Open("sqlite3", fmt.Sprintf(cstr, cfg.DbFile))
	if err != nil {
		logger.Errorf("Failed to open/create DB file: %s: %v", cfg.DbFile, err)
		panic(err)
	}

	repo := Repo{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}

	return &repo
}

func (repo *Repo) InitUpdateDb() {

	dbVer := 0
	sysParamsExists := false
	var err error
	var rows *sql.Rows

	rows, err = repo.db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name='sys_params'")
	if err != nil {
		repo.logger.Errorf("Failed to check if 'sys_params' table exists: %v", err)
		panic(err)
	}
	for rows.Next() {
		sysParamsExists = true
	}
	_ = rows.Close()
	if !sysParamsExists {
		repo.logger.Printf("Database appears to be empty; current schema version is %d", schemaVer)
	} else {
		row := repo.db.QueryRow("SELECT val FROM sys_params WHERE name='schema_ver'")
		if err = row.Scan(&dbVer); err != nil {
			repo.logger.Errorf("Failed to query schema version: %v", err)
			panic(err)
		}
		repo.logger.Printf("Database is at version %d; current schema version is %d", dbVer, schemaVer)
	}
	for i := dbVer; i < schemaVer; i += 1 {
		nextVer := i + 1
		fn := fmt.Sprintf("scripts/create-%02d.sql", nextVer)
		repo.logger.Printf("Running %s", fn)
		var sqlBytes []byte
		if sqlBytes, err = scripts.ReadFile(fn); err != nil {
			repo.logger.Errorf("Failed to read init script %s: %v", fn, err)
			panic(err)
		}
		if _, err = repo.db.Exec(string(sqlBytes)); err != nil {
			repo.logger.Errorf("Failed to execute init script %s: %v", fn, err)
			panic(err)
		}
	}
}

func (repo *Repo) AddAccountIfNotExist(acct *Account, privKey string) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	_, err = repo.db.Exec(`INSERT INTO accounts (created_at, handle, name, summary, manually_approves, pub_key, priv_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acct.CreatedAt, strings.ToLower(acct.Handle), acct.Name, acct.Summary, acct.ManuallyApproves, acct.PubKey, privKey)
	if err == nil {
		return
	}
	if isUniqueViolation(err) {
		isNew = false
		err = nil
	}
	return
}

func (repo *Repo) DoesAccountExist(user string) (bool, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM accounts WHERE handle=?`, strings.ToLower(user))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count != 0, nil
}

func (repo *Repo) GetAccount(user string) (*Account, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT id, created_at, handle, name, summary, manually_approves, pub_key
		FROM accounts WHERE handle=?`, strings.ToLower(user))
	var res Account
	err := row.Scan(&res.Id, &res.CreatedAt, &res.Handle, &res.Name, &res.Summary, &res.ManuallyApproves, &res.PubKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (repo *Repo) GetPrivKey(user string) (string, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT priv_key FROM accounts WHERE handle=?`, strings.ToLower(user))
	var res string
	if err := row.Scan(&res); err != nil {
		return "", err
	}
	return res, nil
}

func (repo *Repo) GetRemoteActor(userUrl string) (*RemoteActor, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT user_url, handle, host, inbox, shared_inbox, pub_key, refreshed_at
		FROM remote_actors WHERE user_url=?`, userUrl)
	var res RemoteActor
	err := row.Scan(&res.UserUrl, &res.Handle, &res.Host, &res.Inbox, &res.SharedInbox, &res.PubKey, &res.RefreshedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (repo *Repo) UpsertRemoteActor(actor *RemoteActor) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO remote_actors (user_url, handle, host, inbox, shared_inbox, pub_key, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_url) DO UPDATE SET handle=excluded.handle, host=excluded.host, inbox=excluded.inbox,
		shared_inbox=excluded.shared_inbox, pub_key=excluded.pub_key, refreshed_at=excluded.refreshed_at`,
		actor.UserUrl, actor.Handle, actor.Host, actor.Inbox, actor.SharedInbox, actor.PubKey, actor.RefreshedAt)
	return err
}

func (repo *Repo) GetApprovedFollowerCount(user string) (uint, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM followers
		JOIN accounts ON accounts.id=followers.account_id
		WHERE accounts.handle=? AND followers.approve_status=1`, strings.ToLower(user))
	var count uint
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (repo *Repo) GetTotalFollowerCount() (int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM followers WHERE approve_status=1`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (repo *Repo) GetFollowersByUser(user string, onlyApproved bool) ([]*FollowerInfo, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	qry := `SELECT request_id, approve_status, user_url, followers.handle, host, user_inbox, shared_inbox
		FROM followers JOIN accounts ON accounts.id=followers.account_id
		WHERE accounts.handle=?`
	if onlyApproved {
		qry += ` AND followers.approve_status=1`
	}
	rows, err := repo.db.Query(qry, strings.ToLower(user))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return readGetFollowers(rows)
}

func (repo *Repo) GetFollowersPage(user string, offset, limit int) ([]*FollowerInfo, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	qry := `SELECT request_id, approve_status, user_url, followers.handle, host, user_inbox, shared_inbox
		FROM followers JOIN accounts ON accounts.id=followers.account_id
		WHERE accounts.handle=? AND followers.approve_status=1
		ORDER BY user_url LIMIT ? OFFSET ?`
	rows, err := repo.db.Query(qry, strings.ToLower(user), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return readGetFollowers(rows)
}

func readGetFollowers(rows *sql.Rows) ([]*FollowerInfo, error) {
	var res []*FollowerInfo
	for rows.Next() {
		fi := FollowerInfo{}
		err := rows.Scan(&fi.RequestId, &fi.ApproveStatus, &fi.UserUrl, &fi.Handle, &fi.Host, &fi.UserInbox, &fi.SharedInbox)
		if err != nil {
			return nil, err
		}
		res = append(res, &fi)
	}
	return res, rows.Err()
}

func (repo *Repo) SetFollowerApproveStatus(user, followerUserUrl string, status int) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	accountId, err := repo.getAccountId(user)
	if err != nil {
		return err
	}
	_, err = repo.db.Exec(`UPDATE followers SET approve_status=? WHERE account_id=? AND user_url=?`,
		status, accountId, followerUserUrl)
	return err
}

func (repo *Repo) AddFollower(user string, flwr *FollowerInfo) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	accountId, err := repo.getAccountId(user)
	if err != nil {
		return err
	}
	_, err = repo.db.Exec(`INSERT INTO followers VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO UPDATE SET request_id=excluded.request_id, approve_status=excluded.approve_status`,
		accountId, flwr.RequestId, flwr.ApproveStatus, flwr.UserUrl, flwr.Handle, flwr.Host,
		flwr.UserInbox, flwr.SharedInbox)
	return err
}

func (repo *Repo) RemoveFollower(user, followerUserUrl string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	accountId, err := repo.getAccountId(user)
	if err != nil {
		return err
	}
	_, err = repo.db.Exec(`DELETE FROM followers WHERE account_id=? AND user_url=?`,
		accountId, followerUserUrl)
	return err
}

func (repo *Repo) AddFollowing(user string, fi *FollowingInfo) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	accountId, err := repo.getAccountId(user)
	if err != nil {
		return err
	}
	_, err = repo.db.Exec(`INSERT INTO following VALUES(?, ?, ?, ?)
		ON CONFLICT DO UPDATE SET request_id=excluded.request_id, status=excluded.status`,
		accountId, fi.RequestId, fi.UserUrl, fi.Status)
	return err
}

func (repo *Repo) SetFollowingStatus(user, followedUserUrl string, status int) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	accountId, err := repo.getAccountId(user)
	if err != nil {
		return err
	}
	_, err = repo.db.Exec(`UPDATE following SET status=? WHERE account_id=? AND user_url=?`,
		status, accountId, followedUserUrl)
	return err
}

func (repo *Repo) RemoveFollowing(user, followedUserUrl string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	accountId, err := repo.getAccountId(user)
	if err != nil {
		return err
	}
	_, err = repo.db.Exec(`DELETE FROM following WHERE account_id=? AND user_url=?`,
		accountId, followedUserUrl)
	return err
}

func (repo *Repo) GetFollowingCount(user string) (uint, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM following
		JOIN accounts ON accounts.id=following.account_id
		WHERE accounts.handle=? AND following.status=1`, strings.ToLower(user))
	var count uint
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (repo *Repo) AddEvent(user string, event *Event) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	accountId, err := repo.getAccountId(user)
	if err != nil {
		return err
	}
	_, err = repo.db.Exec(`INSERT INTO events (id, account_id, created_at, name, content, start_time, end_time, location)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Id, accountId, event.CreatedAt, event.Name, event.Content, event.StartTime, event.EndTime, event.Location)
	return err
}

func (repo *Repo) UpdateEvent(user string, event *Event) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	accountId, err := repo.getAccountId(user)
	if err != nil {
		return err
	}
	_, err = repo.db.Exec(`UPDATE events SET name=?, content=?, start_time=?, end_time=?, location=?
		WHERE id=? AND account_id=?`,
		event.Name, event.Content, event.StartTime, event.EndTime, event.Location, event.Id, accountId)
	return err
}

func (repo *Repo) DeleteEvent(user, eventId string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	accountId, err := repo.getAccountId(user)
	if err != nil {
		return err
	}
	_, err = repo.db.Exec(`DELETE FROM events WHERE id=? AND account_id=?`, eventId, accountId)
	return err
}

func (repo *Repo) GetEvent(user, eventId string) (*Event, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT events.id, account_id, events.created_at, events.name, content, start_time, end_time, location
		FROM events JOIN accounts ON accounts.id=events.account_id
		WHERE accounts.handle=? AND events.id=?`, strings.ToLower(user), eventId)
	var res Event
	err := row.Scan(&res.Id, &res.AccountId, &res.CreatedAt, &res.Name, &res.Content, &res.StartTime, &res.EndTime, &res.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (repo *Repo) GetEventCount(user string) (uint, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM events
		JOIN accounts ON accounts.id=events.account_id
		WHERE accounts.handle=?`, strings.ToLower(user))
	var count uint
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (repo *Repo) GetEventsPage(user string, offset, limit int) ([]*Event, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	rows, err := repo.db.Query(`SELECT events.id, account_id, events.created_at, events.name, content, start_time, end_time, location
		FROM events JOIN accounts ON accounts.id=events.account_id
		WHERE accounts.handle=?
		ORDER BY events.created_at DESC LIMIT ? OFFSET ?`, strings.ToLower(user), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*Event
	for rows.Next() {
		var ev Event
		err = rows.Scan(&ev.Id, &ev.AccountId, &ev.CreatedAt, &ev.Name, &ev.Content, &ev.StartTime, &ev.EndTime, &ev.Location)
		if err != nil {
			return nil, err
		}
		res = append(res, &ev)
	}
	return res, rows.Err()
}

func (repo *Repo) UpsertRsvp(eventUrl, actorUrl, status string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO rsvps VALUES (?, ?, ?, ?)
		ON CONFLICT (event_url, actor_url) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
		eventUrl, actorUrl, status, time.Now().UTC())
	return err
}

func (repo *Repo) AddLikeIfNew(objectUrl, actorUrl string) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	_, err = repo.db.Exec(`INSERT INTO likes VALUES (?, ?, ?)`, objectUrl, actorUrl, time.Now().UTC())
	if err == nil {
		return
	}
	if isUniqueViolation(err) {
		isNew = false
		err = nil
	}
	return
}

func (repo *Repo) RemoveLike(objectUrl, actorUrl string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM likes WHERE object_url=? AND actor_url=?`, objectUrl, actorUrl)
	return err
}

func (repo *Repo) UpsertCachedObject(obj *CachedObject) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	hash := int64(murmur3.Sum64([]byte(obj.Uri)))
	_, err := repo.db.Exec(`INSERT INTO cached_objects VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (uri_hash) DO UPDATE SET kind=excluded.kind, actor_url=excluded.actor_url,
		content=excluded.content, received_at=excluded.received_at`,
		hash, obj.Uri, obj.Kind, obj.ActorUrl, obj.Content, obj.ReceivedAt)
	return err
}

func (repo *Repo) GetCachedObject(uri string) (*CachedObject, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	hash := int64(murmur3.Sum64([]byte(uri)))
	row := repo.db.QueryRow(`SELECT uri_hash, uri, kind, actor_url, content, received_at
		FROM cached_objects WHERE uri_hash=?`, hash)
	var res CachedObject
	err := row.Scan(&res.UriHash, &res.Uri, &res.Kind, &res.ActorUrl, &res.Content, &res.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (repo *Repo) DeleteCachedObject(uri string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	hash := int64(murmur3.Sum64([]byte(uri)))
	_, err := repo.db.Exec(`DELETE FROM cached_objects WHERE uri_hash=?`, hash)
	return err
}

// MarkActivityHandled is the dedup store's create-if-absent. A single INSERT
// hits the primary key, so two near-simultaneous deliveries of the same
// activity race safely: exactly one caller sees alreadyHandled == false.
func (repo *Repo) MarkActivityHandled(id string, expiresAt time.Time) (alreadyHandled bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	alreadyHandled = false
	err = nil

	_, err = repo.db.Exec(`INSERT INTO handled_activities VALUES (?, ?)`, id, expiresAt)

	if err == nil {
		return
	}

	// Duplicate key: activity was handled before
	if isUniqueViolation(err) {
		alreadyHandled = true
		err = nil
	}

	return
}

func (repo *Repo) PurgeHandledActivities(now time.Time) (int64, error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	res, err := repo.db.Exec(`DELETE FROM handled_activities WHERE expires_at<?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (repo *Repo) AddFailedDelivery(fd *FailedDelivery) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO failed_deliveries
		(sending_user, inbox_url, activity_json, last_error, attempts, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fd.SendingUser, fd.InboxUrl, fd.ActivityJson, fd.LastError, fd.Attempts, fd.NextAttemptAt, fd.CreatedAt)
	return err
}

func (repo *Repo) GetDueFailedDeliveries(due time.Time, maxCount int) ([]*FailedDelivery, int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	var qlen int
	row := repo.db.QueryRow(`SELECT COUNT(*) FROM failed_deliveries`)
	if err := row.Scan(&qlen); err != nil {
		return nil, 0, err
	}

	rows, err := repo.db.Query(`SELECT id, sending_user, inbox_url, activity_json, last_error, attempts, next_attempt_at, created_at
		FROM failed_deliveries WHERE next_attempt_at<=? ORDER BY id LIMIT ?`, due, maxCount)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []*FailedDelivery
	for rows.Next() {
		var fd FailedDelivery
		err = rows.Scan(&fd.Id, &fd.SendingUser, &fd.InboxUrl, &fd.ActivityJson, &fd.LastError,
			&fd.Attempts, &fd.NextAttemptAt, &fd.CreatedAt)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, &fd)
	}
	return res, qlen, rows.Err()
}

func (repo *Repo) UpdateFailedDelivery(id int, attempts int, lastError string, nextAttemptAt time.Time) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE failed_deliveries SET attempts=?, last_error=?, next_attempt_at=? WHERE id=?`,
		attempts, lastError, nextAttemptAt, id)
	return err
}

func (repo *Repo) DeleteFailedDelivery(id int) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM failed_deliveries WHERE id=?`, id)
	return err
}

func (repo *Repo) AddBlock(user, target string, isDomain bool) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO blocks VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		strings.ToLower(user), strings.ToLower(target), isDomain)
	return err
}

func (repo *Repo) RemoveBlock(user, target string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM blocks WHERE user_handle=? AND target=?`,
		strings.ToLower(user), strings.ToLower(target))
	return err
}

// IsBlocked checks both the recipient's own blocks and instance-wide blocks,
// which are stored under the empty user handle.
func (repo *Repo) IsBlocked(user, actorUrl, domain string) (bool, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM blocks
		WHERE user_handle IN (?, '')
		AND ((is_domain=0 AND target=?) OR (is_domain=1 AND target=?))`,
		strings.ToLower(user), strings.ToLower(actorUrl), strings.ToLower(domain))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count != 0, nil
}

func (repo *Repo) getAccountId(user string) (int, error) {
	row := repo.db.QueryRow(`SELECT id FROM accounts WHERE handle=?`, strings.ToLower(user))
	var accountId int
	if err := row.Scan(&accountId); err != nil {
		return 0, err
	}
	return accountId, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
